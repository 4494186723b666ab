package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/keyshop-system/internal/repository"
	"github.com/mmeshcher/keyshop-system/internal/validation"
)

type ensureUserRequest struct {
	ExternalID string  `json:"externalId"`
	Username   *string `json:"username"`
}

type userResponse struct {
	ID         int64   `json:"id"`
	ExternalID string  `json:"externalId"`
	Username   *string `json:"username,omitempty"`
	Balance    string  `json:"balance"`
	APIToken   string  `json:"apiToken"`
}

// EnsureUser создаёт пользователя при первом обращении либо возвращает
// существующего. Граница для слоя бота.
func (h *Handler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req ensureUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	user, err := h.service.GetOrCreateUser(r.Context(), req.ExternalID, req.Username)
	if err != nil {
		h.logger.Error("ensure user error", zap.Error(err), zap.String("externalID", req.ExternalID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, userResponse{
		ID:         user.ID,
		ExternalID: user.ExternalID,
		Username:   user.Username,
		Balance:    user.Balance.StringFixed(2),
		APIToken:   user.APIToken,
	})
}

type adjustBalanceRequest struct {
	Delta string `json:"delta"`
	Note  string `json:"note"`
}

// AdjustBalance выполняет ручную корректировку баланса пользователя.
// Отрицательный итоговый баланс допускается намеренно.
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req adjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	delta, err := decimal.NewFromString(req.Delta)
	if err != nil || delta.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid delta")
		return
	}

	if err := h.service.AdminAdjustBalance(r.Context(), userID, delta, req.Note); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("adjust balance error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, nil)
}

// ReconcileUserBalance сверяет баланс пользователя с журналом операций.
// Расхождение возвращается как ошибка сверки, не как сбой сервера.
func (h *Handler) ReconcileUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := h.service.ReconcileBalance(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Warn("balance reconciliation failed", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeOK(w, nil)
}

type pricingResponse struct {
	Level          string `json:"level"`
	Price          string `json:"price"`
	MinSingleTopup string `json:"minSingleTopup"`
	MaxSingleTopup string `json:"maxSingleTopup"`
	Override       bool   `json:"override"`
}

// GetUserPricing возвращает ценовой уровень пользователя.
func (h *Handler) GetUserPricing(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	tier, err := h.service.PricingForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get pricing error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, pricingResponse{
		Level:          tier.LevelLabel,
		Price:          tier.Price.String(),
		MinSingleTopup: tier.MinSingleTopup.String(),
		MaxSingleTopup: tier.MaxSingleTopup.String(),
		Override:       tier.Override,
	})
}

type setLevelRequest struct {
	Level string `json:"level"`
}

// SetUserLevel задаёт переопределение ценового уровня пользователя.
func (h *Handler) SetUserLevel(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req setLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := h.service.SetUserLevel(r.Context(), userID, req.Level); err != nil {
		h.logger.Error("set user level error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, nil)
}

type productRequest struct {
	Name        string `json:"name"`
	Price       string `json:"price"`
	Category    string `json:"category"`
	SubCategory string `json:"subCategory"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"`
}

// CreateProduct создаёт товар каталога.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	price, ok := validation.ParsePaymentAmount(req.Price)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid price")
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	product, err := h.service.CreateProduct(r.Context(), repository.CreateProductParams{
		Name:        req.Name,
		Price:       price,
		Category:    req.Category,
		SubCategory: req.SubCategory,
		Description: req.Description,
		IsActive:    active,
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNameTaken) {
			writeError(w, http.StatusConflict, "product name already exists")
			return
		}
		h.logger.Error("create product error", zap.Error(err), zap.String("name", req.Name))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeOK(w, catalogItem{
		ID:          product.ID,
		Name:        product.Name,
		Price:       product.Price.StringFixed(2),
		Category:    product.Category,
		SubCategory: product.SubCategory,
		Description: product.Description,
		SortOrder:   product.SortOrder,
	})
}

type productPatchRequest struct {
	Name        *string `json:"name"`
	Price       *string `json:"price"`
	Category    *string `json:"category"`
	SubCategory *string `json:"subCategory"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"isActive"`
}

// UpdateProduct применяет частичное обновление товара.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var req productPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	patch := repository.UpdateProductParams{
		Name:        req.Name,
		Category:    req.Category,
		SubCategory: req.SubCategory,
		Description: req.Description,
		IsActive:    req.IsActive,
	}
	if req.Price != nil {
		price, ok := validation.ParsePaymentAmount(*req.Price)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid price")
			return
		}
		patch.Price = &price
	}

	product, err := h.service.UpdateProduct(r.Context(), id, patch)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			writeError(w, http.StatusNotFound, "product not found")
		case errors.Is(err, repository.ErrProductNameTaken):
			writeError(w, http.StatusConflict, "product name already exists")
		default:
			h.logger.Error("update product error", zap.Error(err), zap.Int64("productID", id))
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeOK(w, catalogItem{
		ID:          product.ID,
		Name:        product.Name,
		Price:       product.Price.StringFixed(2),
		Category:    product.Category,
		SubCategory: product.SubCategory,
		Description: product.Description,
		SortOrder:   product.SortOrder,
	})
}

// DeleteProduct удаляет неактивный товар. Параметр force=true каскадно
// удаляет непроданные ключи; проданные ключи и заказы не затрагиваются.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	force := r.URL.Query().Get("force") == "true"

	if err := h.service.DeleteProduct(r.Context(), id, force); err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			writeError(w, http.StatusNotFound, "product not found")
		case errors.Is(err, repository.ErrProductActive):
			writeError(w, http.StatusConflict, "product must be deactivated before delete")
		case errors.Is(err, repository.ErrProductHasKeys):
			writeError(w, http.StatusConflict, "product has keys")
		default:
			h.logger.Error("delete product error", zap.Error(err), zap.Int64("productID", id))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeOK(w, nil)
}

type importKeysRequest struct {
	Keys []string `json:"keys"`
}

type importKeysResponse struct {
	Inserted int `json:"inserted"`
}

// ImportKeys добавляет ключи товара.
func (h *Handler) ImportKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var req importKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	inserted, err := h.service.ImportProductKeys(r.Context(), id, req.Keys)
	if err != nil {
		h.logger.Error("import keys error", zap.Error(err), zap.Int64("productID", id))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, importKeysResponse{Inserted: inserted})
}
