// Package handler содержит HTTP-обработчики API сервиса keyshop.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/keyshop-system/internal/gateway"
	"github.com/mmeshcher/keyshop-system/internal/middleware"
	"github.com/mmeshcher/keyshop-system/internal/model"
	"github.com/mmeshcher/keyshop-system/internal/repository"
	"github.com/mmeshcher/keyshop-system/internal/service"
	"github.com/mmeshcher/keyshop-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error)
	Purchase(ctx context.Context, userID, productID int64) (*repository.PurchaseResult, error)
	AdminAdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, note string) error
	ReconcileBalance(ctx context.Context, userID int64) error
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]repository.UserOrder, error)
	ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error)
	PricingForUser(ctx context.Context, userID int64) (*service.PricingTier, error)
	SetUserLevel(ctx context.Context, userID int64, label string) error

	ListCatalog(ctx context.Context) ([]service.ProductWithStock, error)
	CreateProduct(ctx context.Context, params repository.CreateProductParams) (*model.Product, error)
	UpdateProduct(ctx context.Context, id int64, patch repository.UpdateProductParams) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64, force bool) error
	ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error)

	CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, amountIsUsdt bool) (*model.GatewayTrade, error)
	HandleCallback(ctx context.Context, payload service.CallbackPayload) (*model.GatewayTrade, error)
	TradeInfo(trade *model.GatewayTrade) *service.TradeStatusInfo
	TradeStatusByTradeID(ctx context.Context, tradeID string) (*service.TradeStatusInfo, error)
	TradeStatusByOrderID(ctx context.Context, orderID string) (*service.TradeStatusInfo, error)
}

// Handler реализует HTTP-обработчики API сервиса keyshop.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

type okResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type errResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, okResponse{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResponse{OK: false, Error: msg})
}

// callbackRequiredFields — обязательные поля callback-а шлюза.
// Отсутствие любого из них отклоняет запрос до проверки подписи.
var callbackRequiredFields = []string{
	"trade_id", "order_id", "amount", "actual_amount",
	"token", "block_transaction_id", "signature", "status",
}

// Webhook обрабатывает callback платёжного шлюза.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	for _, field := range callbackRequiredFields {
		if _, ok := raw[field]; !ok {
			writeError(w, http.StatusBadRequest, "missing field: "+field)
			return
		}
	}

	rawBody, err := json.Marshal(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var payload service.CallbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if !payload.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if payload.ActualAmount.IsNegative() {
		writeError(w, http.StatusBadRequest, "invalid actual_amount")
		return
	}

	trade, err := h.service.HandleCallback(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, repository.ErrTradeNotFound):
			writeError(w, http.StatusNotFound, "trade not found")
		default:
			h.logger.Error("webhook error", zap.Error(err), zap.String("orderID", payload.OrderID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeOK(w, h.service.TradeInfo(trade))
}

type createDepositRequest struct {
	UserID       int64  `json:"userId"`
	Amount       string `json:"amount"`
	AmountIsUsdt bool   `json:"amountIsUsdt"`
}

// CreateDeposit создаёт платёж пополнения через шлюз.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req createDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid userId")
		return
	}

	amount, ok := validation.ParsePaymentAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	trade, err := h.service.CreateDeposit(r.Context(), req.UserID, amount, req.AmountIsUsdt)
	if err != nil {
		var businessErr *gateway.BusinessError
		var signErr *gateway.SignatureError
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "invalid amount")
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, gateway.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "gateway timeout")
		case errors.As(err, &businessErr), errors.As(err, &signErr):
			h.logger.Error("gateway rejected trade", zap.Error(err), zap.Int64("userID", req.UserID))
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.Error("create deposit error", zap.Error(err), zap.Int64("userID", req.UserID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeOK(w, h.service.TradeInfo(trade))
}

// TradeStatus возвращает статус платежа по tradeId либо orderId.
func (h *Handler) TradeStatus(w http.ResponseWriter, r *http.Request) {
	tradeID := r.URL.Query().Get("tradeId")
	orderID := r.URL.Query().Get("orderId")
	if tradeID == "" && orderID == "" {
		writeError(w, http.StatusBadRequest, "missing tradeId or orderId")
		return
	}

	var (
		info *service.TradeStatusInfo
		err  error
	)
	if tradeID != "" {
		info, err = h.service.TradeStatusByTradeID(r.Context(), tradeID)
	} else {
		info, err = h.service.TradeStatusByOrderID(r.Context(), orderID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrTradeNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("trade status error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOK(w, info)
}

type purchaseRequest struct {
	ProductID int64 `json:"productId"`
}

type purchaseResponse struct {
	OrderID     int64  `json:"orderId"`
	Key         string `json:"key"`
	Amount      string `json:"amount"`
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
}

// Purchase выполняет покупку одного ключа текущим пользователем.
// Причина отказа возвращается явно: нет товара, нет средств или нет остатка.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ProductID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid productId")
		return
	}

	result, err := h.service.Purchase(r.Context(), user.ID, req.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductUnavailable):
			writeError(w, http.StatusBadRequest, "product unavailable")
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "insufficient balance")
		case errors.Is(err, repository.ErrOutOfStock):
			writeError(w, http.StatusConflict, "out of stock")
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		default:
			h.logger.Error("purchase error", zap.Error(err),
				zap.Int64("userID", user.ID), zap.Int64("productID", req.ProductID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeOK(w, purchaseResponse{
		OrderID:     result.OrderID,
		Key:         result.Key,
		Amount:      result.Amount.StringFixed(2),
		ProductID:   result.ProductID,
		ProductName: result.ProductName,
	})
}

type catalogItem struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Price       string  `json:"price"`
	Category    string  `json:"category"`
	SubCategory string  `json:"subCategory"`
	Description *string `json:"description,omitempty"`
	Stock       int64   `json:"stock"`
	SortOrder   int64   `json:"sortOrder"`
}

// Catalog возвращает активные товары с остатками.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListCatalog(r.Context())
	if err != nil {
		h.logger.Error("catalog error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]catalogItem, 0, len(items))
	for _, it := range items {
		resp = append(resp, catalogItem{
			ID:          it.Product.ID,
			Name:        it.Product.Name,
			Price:       it.Product.Price.StringFixed(2),
			Category:    it.Product.Category,
			SubCategory: it.Product.SubCategory,
			Description: it.Product.Description,
			Stock:       it.Stock,
			SortOrder:   it.Product.SortOrder,
		})
	}

	writeOK(w, resp)
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	writeOK(w, balanceResponse{Balance: user.Balance.StringFixed(2)})
}

type orderItem struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	ProductName string `json:"productName"`
	Key         string `json:"key"`
	CreatedAt   string `json:"createdAt"`
}

// GetOrders возвращает последние заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListUserOrders(r.Context(), user.ID, 10)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]orderItem, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderItem{
			ID:          o.ID,
			Amount:      o.Amount.StringFixed(2),
			ProductName: o.ProductName,
			Key:         o.KeyValue,
			CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		})
	}

	writeOK(w, resp)
}

type transactionItem struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	Amount      string  `json:"amount"`
	Description *string `json:"description,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

// GetTransactions возвращает последние записи журнала текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.ListUserTransactions(r.Context(), user.ID, 50)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]transactionItem, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionItem{
			ID:          t.ID,
			Type:        string(t.Kind),
			Amount:      t.Amount.StringFixed(2),
			Description: t.Description,
			CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		})
	}

	writeOK(w, resp)
}

func parseIDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}
