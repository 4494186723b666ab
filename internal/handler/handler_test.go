package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/keyshop-system/internal/gateway"
	"github.com/mmeshcher/keyshop-system/internal/middleware"
	"github.com/mmeshcher/keyshop-system/internal/model"
	"github.com/mmeshcher/keyshop-system/internal/repository"
	"github.com/mmeshcher/keyshop-system/internal/service"
)

type stubService struct {
	user    *model.User
	userErr error

	purchaseResult *repository.PurchaseResult
	purchaseErr    error

	adjustErr    error
	reconcileErr error

	pricingTier *service.PricingTier
	pricingErr  error
	levelErr    error

	ordersResp []repository.UserOrder
	ordersErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	catalogResp []service.ProductWithStock
	catalogErr  error

	productResp *model.Product
	productErr  error

	importCount int
	importErr   error

	depositTrade *model.GatewayTrade
	depositErr   error

	callbackTrade *model.GatewayTrade
	callbackErr   error

	statusInfo *service.TradeStatusInfo
	statusErr  error
}

func (s *stubService) GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) Purchase(ctx context.Context, userID, productID int64) (*repository.PurchaseResult, error) {
	return s.purchaseResult, s.purchaseErr
}

func (s *stubService) AdminAdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, note string) error {
	return s.adjustErr
}

func (s *stubService) ReconcileBalance(ctx context.Context, userID int64) error {
	return s.reconcileErr
}

func (s *stubService) PricingForUser(ctx context.Context, userID int64) (*service.PricingTier, error) {
	return s.pricingTier, s.pricingErr
}

func (s *stubService) SetUserLevel(ctx context.Context, userID int64, label string) error {
	return s.levelErr
}

func (s *stubService) ListUserOrders(ctx context.Context, userID int64, limit int) ([]repository.UserOrder, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) ListCatalog(ctx context.Context) ([]service.ProductWithStock, error) {
	return s.catalogResp, s.catalogErr
}

func (s *stubService) CreateProduct(ctx context.Context, params repository.CreateProductParams) (*model.Product, error) {
	return s.productResp, s.productErr
}

func (s *stubService) UpdateProduct(ctx context.Context, id int64, patch repository.UpdateProductParams) (*model.Product, error) {
	return s.productResp, s.productErr
}

func (s *stubService) DeleteProduct(ctx context.Context, id int64, force bool) error {
	return s.productErr
}

func (s *stubService) ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error) {
	return s.importCount, s.importErr
}

func (s *stubService) CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, amountIsUsdt bool) (*model.GatewayTrade, error) {
	return s.depositTrade, s.depositErr
}

func (s *stubService) HandleCallback(ctx context.Context, payload service.CallbackPayload) (*model.GatewayTrade, error) {
	return s.callbackTrade, s.callbackErr
}

func (s *stubService) TradeInfo(trade *model.GatewayTrade) *service.TradeStatusInfo {
	return &service.TradeStatusInfo{
		OrderID: trade.OrderID,
		Status:  string(trade.Status),
		Amount:  trade.Amount.StringFixed(2),
	}
}

func (s *stubService) TradeStatusByTradeID(ctx context.Context, tradeID string) (*service.TradeStatusInfo, error) {
	return s.statusInfo, s.statusErr
}

func (s *stubService) TradeStatusByOrderID(ctx context.Context, orderID string) (*service.TradeStatusInfo, error) {
	return s.statusInfo, s.statusErr
}

type stubResolver struct {
	user *model.User
	err  error
}

func (s *stubResolver) GetUserByAPIToken(ctx context.Context, token string) (*model.User, error) {
	return s.user, s.err
}

func newTestHandler(t *testing.T, svc Service, user *model.User) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(&stubResolver{user: user})

	return NewHandler(svc, logger, auth, "admin-token")
}

func validCallbackBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"trade_id":             "T1",
		"order_id":             "1-7-abc",
		"amount":               20,
		"actual_amount":        20.35,
		"token":                "TAddr",
		"block_transaction_id": "0xdead",
		"signature":            "0123456789abcdef0123456789abcdef",
		"status":               2,
	})
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return body
}

func TestWebhook_MissingField(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	var raw map[string]any
	if err := json.Unmarshal(validCallbackBody(t), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	delete(raw, "block_transaction_id")
	body, _ := json.Marshal(raw)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	svc := &stubService{callbackErr: service.ErrInvalidSignature}
	h := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/webhook", bytes.NewReader(validCallbackBody(t)))
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestWebhook_TradeNotFound(t *testing.T) {
	svc := &stubService{callbackErr: repository.ErrTradeNotFound}
	h := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/webhook", bytes.NewReader(validCallbackBody(t)))
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestWebhook_OK(t *testing.T) {
	svc := &stubService{
		callbackTrade: &model.GatewayTrade{
			OrderID: "1-7-abc",
			Status:  model.TradeStatusPaid,
			Amount:  decimal.NewFromInt(20),
		},
	}
	h := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/webhook", bytes.NewReader(validCallbackBody(t)))
	rec := httptest.NewRecorder()

	h.Webhook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), `"status":"paid"`) {
		t.Fatalf("body %q must carry trade status", rec.Body.String())
	}
}

func authRequest(t *testing.T, h *Handler, method, target string, body []byte, fn http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-token")

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(fn).ServeHTTP(rec, req)
	return rec
}

func TestPurchase_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"product unavailable", repository.ErrProductUnavailable, http.StatusBadRequest},
		{"insufficient balance", repository.ErrInsufficientBalance, http.StatusPaymentRequired},
		{"out of stock", repository.ErrOutOfStock, http.StatusConflict},
		{"user missing", repository.ErrUserNotFound, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{purchaseErr: tt.err}
			h := newTestHandler(t, svc, &model.User{ID: 7})

			body, _ := json.Marshal(purchaseRequest{ProductID: 1})
			rec := authRequest(t, h, http.MethodPost, "/api/shop/purchase", body, h.Purchase)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPurchase_OK(t *testing.T) {
	svc := &stubService{
		purchaseResult: &repository.PurchaseResult{
			OrderID:     12,
			Key:         "AAAA-BBBB",
			Amount:      decimal.RequireFromString("49.90"),
			ProductID:   1,
			ProductName: "Steam Key",
		},
	}
	h := newTestHandler(t, svc, &model.User{ID: 7})

	body, _ := json.Marshal(purchaseRequest{ProductID: 1})
	rec := authRequest(t, h, http.MethodPost, "/api/shop/purchase", body, h.Purchase)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "AAAA-BBBB") {
		t.Fatalf("body %q must carry the sold key", rec.Body.String())
	}
}

func TestTradeStatus_MissingParams(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/usdt/status", nil)
	rec := httptest.NewRecorder()

	h.TradeStatus(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestTradeStatus_NotFound(t *testing.T) {
	svc := &stubService{statusErr: repository.ErrTradeNotFound}
	h := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/usdt/status?tradeId=T404", nil)
	rec := httptest.NewRecorder()

	h.TradeStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateDeposit_BadAmount(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	body, _ := json.Marshal(createDepositRequest{UserID: 7, Amount: "-5"})
	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateDeposit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateDeposit_GatewayTimeout(t *testing.T) {
	svc := &stubService{depositErr: gateway.ErrTimeout}
	h := newTestHandler(t, svc, nil)

	body, _ := json.Marshal(createDepositRequest{UserID: 7, Amount: "20"})
	req := httptest.NewRequest(http.MethodPost, "/api/payments/usdt/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateDeposit(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestAdjustBalance_UserNotFound(t *testing.T) {
	svc := &stubService{adjustErr: repository.ErrUserNotFound}
	h := newTestHandler(t, svc, nil)

	router := h.SetupRouter()

	body, _ := json.Marshal(adjustBalanceRequest{Delta: "10", Note: "manual"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/users/99/adjust", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/products", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
