package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/keyshop-system/internal/gateway"
	"github.com/mmeshcher/keyshop-system/internal/model"
	"github.com/mmeshcher/keyshop-system/internal/repository"
)

type stubRepo struct {
	user    *model.User
	userErr error

	products      []model.Product
	productErr    error
	availableKeys int64

	purchaseResult *repository.PurchaseResult
	purchaseErr    error

	upsertParams *repository.UpsertTradeParams
	upsertTrade  *model.GatewayTrade
	upsertErr    error

	trade    *model.GatewayTrade
	tradeErr error

	callbackUpdate *repository.CallbackUpdate
	callbackCredit bool
	callbackErr    error

	adjustDelta decimal.Decimal
	adjustKind  model.TransactionKind
	adjustErr   error

	levelOverride string

	expiredCount int64
	expireErr    error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByAPIToken(ctx context.Context, token string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, kind model.TransactionKind, description string) error {
	s.adjustDelta = delta
	s.adjustKind = kind
	return s.adjustErr
}

func (s *stubRepo) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return nil, nil
}

func (s *stubRepo) ReconcileBalance(ctx context.Context, userID int64) error { return nil }

func (s *stubRepo) GetLevelOverride(ctx context.Context, userID int64) (string, error) {
	return s.levelOverride, nil
}

func (s *stubRepo) SetLevelOverride(ctx context.Context, userID int64, label string) error {
	s.levelOverride = label
	return nil
}

func (s *stubRepo) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	if len(s.products) == 0 {
		return nil, s.productErr
	}
	return &s.products[0], s.productErr
}

func (s *stubRepo) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, s.productErr
}

func (s *stubRepo) CountAvailableKeys(ctx context.Context, productID int64) (int64, error) {
	return s.availableKeys, nil
}

func (s *stubRepo) CreateProduct(ctx context.Context, params repository.CreateProductParams) (*model.Product, error) {
	return nil, s.productErr
}

func (s *stubRepo) UpdateProduct(ctx context.Context, id int64, patch repository.UpdateProductParams) (*model.Product, error) {
	return nil, s.productErr
}

func (s *stubRepo) DeleteProduct(ctx context.Context, id int64, force bool) error {
	return s.productErr
}

func (s *stubRepo) ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error) {
	return len(keys), nil
}

func (s *stubRepo) PurchaseKey(ctx context.Context, userID, productID int64) (*repository.PurchaseResult, error) {
	return s.purchaseResult, s.purchaseErr
}

func (s *stubRepo) ListUserOrders(ctx context.Context, userID int64, limit int) ([]repository.UserOrder, error) {
	return nil, nil
}

func (s *stubRepo) UpsertTrade(ctx context.Context, params repository.UpsertTradeParams) (*model.GatewayTrade, error) {
	s.upsertParams = &params
	return s.upsertTrade, s.upsertErr
}

func (s *stubRepo) GetTradeByOrderID(ctx context.Context, orderID string) (*model.GatewayTrade, error) {
	return s.trade, s.tradeErr
}

func (s *stubRepo) GetTradeByTradeID(ctx context.Context, tradeID string) (*model.GatewayTrade, error) {
	return s.trade, s.tradeErr
}

func (s *stubRepo) ApplyCallback(ctx context.Context, upd repository.CallbackUpdate) (bool, error) {
	s.callbackUpdate = &upd
	return s.callbackCredit, s.callbackErr
}

func (s *stubRepo) ExpirePendingTrades(ctx context.Context, now time.Time) (int64, error) {
	return s.expiredCount, s.expireErr
}

type stubGateway struct {
	result  *gateway.CreateTransactionResult
	err     error
	calls   int
	orderID string
	amount  decimal.Decimal
}

func (g *stubGateway) CreateTransaction(ctx context.Context, orderID string, amount decimal.Decimal, notifyURL, redirectURL string) (*gateway.CreateTransactionResult, error) {
	g.calls++
	g.orderID = orderID
	g.amount = amount
	return g.result, g.err
}

func (g *stubGateway) CheckoutURL(tradeID string) string {
	if tradeID == "" {
		return ""
	}
	return "http://pay.example.com:8001/pay/checkout-counter/" + tradeID
}

func newTestService(repo *stubRepo, gw *stubGateway, opts Options) *Service {
	if opts.GatewayToken == "" {
		opts.GatewayToken = "secret"
	}
	return NewService(repo, gw, opts, nil)
}

func TestConvertUSDT(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubGateway{}, Options{
		ForcedRate: decimal.RequireFromString("7.2"),
	})

	got := svc.ConvertUSDT(decimal.RequireFromString("10"))
	if !got.Equal(decimal.RequireFromString("72")) {
		t.Fatalf("ConvertUSDT(10) = %s, want 72", got)
	}

	// Курс по умолчанию 1:1, остаётся только округление.
	svc = newTestService(&stubRepo{}, &stubGateway{}, Options{})
	got = svc.ConvertUSDT(decimal.RequireFromString("10.555"))
	if !got.Equal(decimal.RequireFromString("10.56")) {
		t.Fatalf("ConvertUSDT(10.555) = %s, want 10.56", got)
	}
}

func TestMakeOrderID_Format(t *testing.T) {
	id := makeOrderID(42)

	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		t.Fatalf("order id %q: parts = %d, want 3", id, len(parts))
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		t.Fatalf("order id %q: timestamp part invalid: %v", id, err)
	}
	if parts[1] != "42" {
		t.Fatalf("order id %q: user part = %s, want 42", id, parts[1])
	}
	if len(parts[2]) != 6 {
		t.Fatalf("order id %q: suffix length = %d, want 6", id, len(parts[2]))
	}

	if makeOrderID(42) == id {
		t.Fatalf("order ids must be unique")
	}
}

func TestDeriveTradeStatus(t *testing.T) {
	tests := []struct {
		code int
		want model.TradeStatus
	}{
		{2, model.TradeStatusPaid},
		{3, model.TradeStatusExpired},
		{1, model.TradeStatusPending},
		{0, model.TradeStatusPending},
		{99, model.TradeStatusPending},
	}

	for _, tt := range tests {
		if got := deriveTradeStatus(tt.code); got != tt.want {
			t.Fatalf("deriveTradeStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestCreateDeposit_InvalidAmount(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubGateway{}, Options{BaseURL: "https://shop.example"})

	_, err := svc.CreateDeposit(context.Background(), 1, decimal.Zero, false)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateDeposit_UserNotFound(t *testing.T) {
	repo := &stubRepo{userErr: repository.ErrUserNotFound}
	gw := &stubGateway{}
	svc := newTestService(repo, gw, Options{BaseURL: "https://shop.example"})

	_, err := svc.CreateDeposit(context.Background(), 1, decimal.NewFromInt(10), false)
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called for unknown user")
	}
}

func TestCreateDeposit_ConvertsAndStores(t *testing.T) {
	tradeID := "T1"
	repo := &stubRepo{
		user: &model.User{ID: 7},
		upsertTrade: &model.GatewayTrade{
			OrderID: "x",
			TradeID: &tradeID,
			Status:  model.TradeStatusPending,
		},
	}
	gw := &stubGateway{
		result: &gateway.CreateTransactionResult{
			Data: gateway.TradeData{
				TradeID:        tradeID,
				ActualAmount:   decimal.RequireFromString("72.01"),
				Token:          "TAddr",
				ExpirationTime: time.Now().Add(10 * time.Minute).Unix(),
			},
			RawRequest:  []byte(`{}`),
			RawResponse: []byte(`{}`),
		},
	}
	svc := newTestService(repo, gw, Options{
		BaseURL:    "https://shop.example",
		ForcedRate: decimal.RequireFromString("7.2"),
	})

	trade, err := svc.CreateDeposit(context.Background(), 7, decimal.NewFromInt(10), true)
	if err != nil {
		t.Fatalf("CreateDeposit error: %v", err)
	}
	if trade == nil {
		t.Fatalf("expected trade")
	}

	if !gw.amount.Equal(decimal.RequireFromString("72")) {
		t.Fatalf("gateway amount = %s, want 72 (converted)", gw.amount)
	}
	if !strings.Contains(gw.orderID, "-7-") {
		t.Fatalf("order id %q must embed user id", gw.orderID)
	}

	if repo.upsertParams == nil {
		t.Fatalf("trade was not stored")
	}
	if repo.upsertParams.TradeID == nil || *repo.upsertParams.TradeID != tradeID {
		t.Fatalf("stored trade id = %v, want %s", repo.upsertParams.TradeID, tradeID)
	}
	if repo.upsertParams.ActualAmount == nil || !repo.upsertParams.ActualAmount.Equal(decimal.RequireFromString("72.01")) {
		t.Fatalf("stored actual amount = %v, want 72.01", repo.upsertParams.ActualAmount)
	}
}

func TestCreateDeposit_GatewayErrorPropagates(t *testing.T) {
	repo := &stubRepo{user: &model.User{ID: 7}}
	gw := &stubGateway{err: gateway.ErrTimeout}
	svc := newTestService(repo, gw, Options{BaseURL: "https://shop.example"})

	_, err := svc.CreateDeposit(context.Background(), 7, decimal.NewFromInt(10), false)
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if repo.upsertParams != nil {
		t.Fatalf("trade must not be stored on gateway error")
	}
}

func signedCallback(t *testing.T, token string, payload CallbackPayload) CallbackPayload {
	t.Helper()
	signed := map[string]string{
		"trade_id":             payload.TradeID,
		"order_id":             payload.OrderID,
		"amount":               gateway.CanonicalAmount(payload.Amount),
		"actual_amount":        gateway.CanonicalAmount(payload.ActualAmount),
		"token":                payload.Token,
		"block_transaction_id": payload.BlockTransactionID,
		"status":               strconv.Itoa(payload.Status),
	}
	payload.Signature = gateway.Sign(signed, token, gateway.SignModeConcat)
	return payload
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, &stubGateway{}, Options{})

	payload := CallbackPayload{
		TradeID:      "T1",
		OrderID:      "1-7-abc",
		Amount:       decimal.NewFromInt(20),
		ActualAmount: decimal.RequireFromString("20.35"),
		Status:       2,
		Signature:    "0123456789abcdef0123456789abcdef",
	}

	_, err := svc.HandleCallback(context.Background(), payload)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if repo.callbackUpdate != nil {
		t.Fatalf("state must not change on invalid signature")
	}
}

func TestHandleCallback_PaidAppliesUpdate(t *testing.T) {
	repo := &stubRepo{
		callbackCredit: true,
		trade: &model.GatewayTrade{
			OrderID: "1-7-abc",
			Status:  model.TradeStatusPaid,
		},
	}
	svc := newTestService(repo, &stubGateway{}, Options{})

	payload := signedCallback(t, "secret", CallbackPayload{
		TradeID:            "T1",
		OrderID:            "1-7-abc",
		Amount:             decimal.RequireFromString("20.00"),
		ActualAmount:       decimal.RequireFromString("20.35"),
		BlockTransactionID: "0xdead",
		Status:             2,
	})

	trade, err := svc.HandleCallback(context.Background(), payload)
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if trade.Status != model.TradeStatusPaid {
		t.Fatalf("trade status = %s, want paid", trade.Status)
	}

	if repo.callbackUpdate == nil {
		t.Fatalf("callback was not applied")
	}
	if repo.callbackUpdate.Status != model.TradeStatusPaid {
		t.Fatalf("applied status = %s, want paid", repo.callbackUpdate.Status)
	}
	if !repo.callbackUpdate.ActualAmount.Equal(decimal.RequireFromString("20.35")) {
		t.Fatalf("applied actual amount = %s, want 20.35", repo.callbackUpdate.ActualAmount)
	}
	if len(repo.callbackUpdate.RawCallback) == 0 {
		t.Fatalf("raw callback must be recorded")
	}
}

func TestHandleCallback_TradeNotFound(t *testing.T) {
	repo := &stubRepo{callbackErr: repository.ErrTradeNotFound}
	svc := newTestService(repo, &stubGateway{}, Options{})

	payload := signedCallback(t, "secret", CallbackPayload{
		TradeID: "T1",
		OrderID: "unknown",
		Amount:  decimal.NewFromInt(20),
		Status:  2,
	})

	_, err := svc.HandleCallback(context.Background(), payload)
	if !errors.Is(err, repository.ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestPaymentURL_Chain(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubGateway{}, Options{BaseURL: "https://shop.example/"})

	payURL := "http://pay.example.com:8001/pay/checkout-counter/T1"
	tradeID := "T1"

	trade := &model.GatewayTrade{OrderID: "1-7-abc", PaymentURL: &payURL, TradeID: &tradeID}
	if got := svc.PaymentURL(trade); got != payURL {
		t.Fatalf("PaymentURL = %q, want gateway url %q", got, payURL)
	}

	trade = &model.GatewayTrade{OrderID: "1-7-abc", TradeID: &tradeID}
	want := "http://pay.example.com:8001/pay/checkout-counter/T1"
	if got := svc.PaymentURL(trade); got != want {
		t.Fatalf("PaymentURL = %q, want checkout %q", got, want)
	}

	trade = &model.GatewayTrade{OrderID: "1-7-abc"}
	want = "https://shop.example/payments/order/1-7-abc"
	if got := svc.PaymentURL(trade); got != want {
		t.Fatalf("PaymentURL = %q, want local %q", got, want)
	}
}

func TestPricingForUser(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, &stubGateway{}, Options{})

	tier, err := svc.PricingForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("PricingForUser error: %v", err)
	}
	if tier.Override {
		t.Fatalf("default tier must not be an override")
	}
	if tier.LevelLabel != "L0" || !tier.Price.Equal(decimal.RequireFromString("0.09")) {
		t.Fatalf("default tier = %s/%s, want L0/0.09", tier.LevelLabel, tier.Price)
	}
	if !tier.MaxSingleTopup.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("default max topup = %s, want 10000", tier.MaxSingleTopup)
	}

	repo.levelOverride = "L3"
	tier, err = svc.PricingForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("PricingForUser error: %v", err)
	}
	if !tier.Override {
		t.Fatalf("expected override tier")
	}
	if !tier.Price.Equal(decimal.RequireFromString("0.07")) {
		t.Fatalf("override price = %s, want 0.07", tier.Price)
	}
	if !tier.MinSingleTopup.Equal(tier.MaxSingleTopup) {
		t.Fatalf("override tier must pin topup amount, got [%s, %s]", tier.MinSingleTopup, tier.MaxSingleTopup)
	}
}
