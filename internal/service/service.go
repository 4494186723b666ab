// Package service реализует бизнес-логику сервиса keyshop.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/keyshop-system/internal/gateway"
	"github.com/mmeshcher/keyshop-system/internal/model"
	"github.com/mmeshcher/keyshop-system/internal/repository"
)

// ErrInvalidSignature возвращается при неверной подписи callback-а шлюза.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidAmount возвращается при неположительной сумме платежа.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByAPIToken(ctx context.Context, token string) (*model.User, error)
	AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, kind model.TransactionKind, description string) error
	ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error)
	ReconcileBalance(ctx context.Context, userID int64) error
	GetLevelOverride(ctx context.Context, userID int64) (string, error)
	SetLevelOverride(ctx context.Context, userID int64, label string) error

	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	ListActiveProducts(ctx context.Context) ([]model.Product, error)
	CountAvailableKeys(ctx context.Context, productID int64) (int64, error)
	CreateProduct(ctx context.Context, params repository.CreateProductParams) (*model.Product, error)
	UpdateProduct(ctx context.Context, id int64, patch repository.UpdateProductParams) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64, force bool) error
	ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error)

	PurchaseKey(ctx context.Context, userID, productID int64) (*repository.PurchaseResult, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]repository.UserOrder, error)

	UpsertTrade(ctx context.Context, params repository.UpsertTradeParams) (*model.GatewayTrade, error)
	GetTradeByOrderID(ctx context.Context, orderID string) (*model.GatewayTrade, error)
	GetTradeByTradeID(ctx context.Context, tradeID string) (*model.GatewayTrade, error)
	ApplyCallback(ctx context.Context, upd repository.CallbackUpdate) (bool, error)
	ExpirePendingTrades(ctx context.Context, now time.Time) (int64, error)
}

// GatewayClient описывает контракт клиента платёжного шлюза.
type GatewayClient interface {
	CreateTransaction(ctx context.Context, orderID string, amount decimal.Decimal, notifyURL, redirectURL string) (*gateway.CreateTransactionResult, error)
	CheckoutURL(tradeID string) string
}

// Options содержит параметры сервиса, не зависящие от хранилища и шлюза.
type Options struct {
	GatewayToken     string
	GatewayNotifyURL string
	GatewayRedirect  string
	BaseURL          string
	ForcedRate       decimal.Decimal
}

// Service содержит бизнес-логику сервиса keyshop.
type Service struct {
	repo   Repository
	gw     GatewayClient
	opts   Options
	logger *zap.SugaredLogger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом шлюза.
func NewService(repo Repository, gw GatewayClient, opts Options, logger *zap.SugaredLogger) *Service {
	if opts.ForcedRate.IsZero() {
		opts.ForcedRate = decimal.NewFromInt(1)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		repo:   repo,
		gw:     gw,
		opts:   opts,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetOrCreateUser возвращает пользователя по внешнему идентификатору,
// создавая его при первом обращении.
func (s *Service) GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error) {
	return s.repo.GetOrCreateUser(ctx, externalID, username)
}

// GetUserByAPIToken возвращает пользователя по API-токену.
func (s *Service) GetUserByAPIToken(ctx context.Context, token string) (*model.User, error) {
	return s.repo.GetUserByAPIToken(ctx, token)
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// Purchase выполняет атомарную покупку одного ключа товара.
func (s *Service) Purchase(ctx context.Context, userID, productID int64) (*repository.PurchaseResult, error) {
	return s.repo.PurchaseKey(ctx, userID, productID)
}

// AdminAdjustBalance изменяет баланс пользователя вручную
// с записью журнала типа admin_adjustment.
func (s *Service) AdminAdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, note string) error {
	return s.repo.AdjustBalance(ctx, userID, delta, model.TransactionAdminAdjustment, note)
}

// makeOrderID генерирует уникальный внутренний идентификатор платежа
// до обращения к шлюзу, что делает повтор createTrade идемпотентным.
func makeOrderID(userID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixMilli(), userID, suffix)
}

// ConvertUSDT конвертирует сумму в USDT в валюту шлюза по принудительному
// курсу. Курс 1:1, если он не задан. Чистая функция над настройками сервиса.
func (s *Service) ConvertUSDT(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.opts.ForcedRate).Round(2)
}

func (s *Service) notifyURL() string {
	if s.opts.GatewayNotifyURL != "" {
		return s.opts.GatewayNotifyURL
	}
	if base := strings.TrimRight(strings.TrimSpace(s.opts.BaseURL), "/"); base != "" {
		return base + "/api/payments/usdt/webhook"
	}
	return ""
}

func (s *Service) redirectURL() string {
	if s.opts.GatewayRedirect != "" {
		return s.opts.GatewayRedirect
	}
	if base := strings.TrimRight(strings.TrimSpace(s.opts.BaseURL), "/"); base != "" {
		return base + "/payments/order"
	}
	return ""
}

// CreateDeposit создаёт платёж пополнения баланса через шлюз.
// order_id генерируется до исходящего запроса; строка платежа пишется
// только после определённого ответа шлюза, поэтому частичных состояний
// не остаётся. Если amountIsUsdt, сумма конвертируется по ConvertUSDT.
func (s *Service) CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, amountIsUsdt bool) (*model.GatewayTrade, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	notifyURL := s.notifyURL()
	if notifyURL == "" {
		return nil, errors.New("gateway notify URL not configured")
	}

	if amountIsUsdt {
		amount = s.ConvertUSDT(amount)
	} else {
		amount = amount.Round(2)
	}

	orderID := makeOrderID(userID)

	res, err := s.gw.CreateTransaction(ctx, orderID, amount, notifyURL, s.redirectURL())
	if err != nil {
		return nil, err
	}

	params := repository.UpsertTradeParams{
		OrderID:     orderID,
		UserID:      userID,
		Amount:      amount,
		RawRequest:  res.RawRequest,
		RawResponse: res.RawResponse,
	}
	if res.Data.TradeID != "" {
		params.TradeID = &res.Data.TradeID
	}
	if !res.Data.ActualAmount.IsZero() {
		actual := res.Data.ActualAmount
		params.ActualAmount = &actual
	}
	if res.Data.Token != "" {
		params.Token = &res.Data.Token
	}
	if res.Data.PaymentURL != "" {
		params.PaymentURL = &res.Data.PaymentURL
	}
	if res.Data.ExpirationTime != 0 {
		exp := res.Data.ExpirationTime
		params.ExpirationTime = &exp
	}

	trade, err := s.repo.UpsertTrade(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("gateway trade created",
		"orderID", orderID, "userID", userID, "amount", amount.String())

	return trade, nil
}

// CallbackPayload описывает тело callback-а шлюза.
type CallbackPayload struct {
	TradeID            string          `json:"trade_id"`
	OrderID            string          `json:"order_id"`
	Amount             decimal.Decimal `json:"amount"`
	ActualAmount       decimal.Decimal `json:"actual_amount"`
	Token              string          `json:"token"`
	BlockTransactionID string          `json:"block_transaction_id"`
	Signature          string          `json:"signature"`
	Status             int             `json:"status"`
}

// deriveTradeStatus переводит числовой код статуса шлюза во внутренний.
func deriveTradeStatus(status int) model.TradeStatus {
	switch status {
	case 2:
		return model.TradeStatusPaid
	case 3:
		return model.TradeStatusExpired
	default:
		return model.TradeStatusPending
	}
}

// HandleCallback обрабатывает callback шлюза: проверяет подпись до любых
// изменений состояния, находит платёж по order_id и применяет обновление.
// Начисление на баланс выполняется ровно один раз на платёж независимо
// от количества повторных доставок callback-а.
func (s *Service) HandleCallback(ctx context.Context, payload CallbackPayload) (*model.GatewayTrade, error) {
	signed := map[string]string{
		"trade_id":             payload.TradeID,
		"order_id":             payload.OrderID,
		"amount":               gateway.CanonicalAmount(payload.Amount),
		"actual_amount":        gateway.CanonicalAmount(payload.ActualAmount),
		"token":                payload.Token,
		"block_transaction_id": payload.BlockTransactionID,
		"status":               strconv.Itoa(payload.Status),
	}
	if !gateway.VerifySignature(signed, payload.Signature, s.opts.GatewayToken) {
		return nil, ErrInvalidSignature
	}

	rawCallback, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal callback: %w", err)
	}

	status := deriveTradeStatus(payload.Status)

	credited, err := s.repo.ApplyCallback(ctx, repository.CallbackUpdate{
		OrderID:            payload.OrderID,
		TradeID:            payload.TradeID,
		Status:             status,
		ActualAmount:       payload.ActualAmount,
		Token:              payload.Token,
		BlockTransactionID: payload.BlockTransactionID,
		RawCallback:        rawCallback,
	})
	if err != nil {
		return nil, err
	}

	if credited {
		s.logger.Infow("gateway trade credited",
			"orderID", payload.OrderID, "tradeID", payload.TradeID,
			"actualAmount", payload.ActualAmount.String())
	}

	return s.repo.GetTradeByOrderID(ctx, payload.OrderID)
}

// PaymentURL возвращает адрес оплаты платежа: URL шлюза, если он был
// возвращён, иначе детерминированный checkout-адрес по trade_id, иначе
// внутреннюю страницу статуса по order_id.
func (s *Service) PaymentURL(trade *model.GatewayTrade) string {
	if trade.PaymentURL != nil && *trade.PaymentURL != "" {
		return *trade.PaymentURL
	}
	if trade.TradeID != nil {
		if u := s.gw.CheckoutURL(*trade.TradeID); u != "" {
			return u
		}
	}
	return s.LocalCheckoutURL(trade)
}

// LocalCheckoutURL возвращает внутреннюю страницу статуса платежа.
func (s *Service) LocalCheckoutURL(trade *model.GatewayTrade) string {
	base := strings.TrimRight(strings.TrimSpace(s.opts.BaseURL), "/")
	if base == "" || trade.OrderID == "" {
		return ""
	}
	return base + "/payments/order/" + trade.OrderID
}

// TradeStatusInfo — представление статуса платежа для API и бота.
type TradeStatusInfo struct {
	TradeID            *string   `json:"tradeId"`
	OrderID            string    `json:"orderId"`
	Status             string    `json:"status"`
	Amount             string    `json:"amount"`
	ActualAmount       *string   `json:"actualAmount"`
	Token              *string   `json:"token"`
	PaymentURL         string    `json:"paymentUrl"`
	CheckoutPageURL    string    `json:"checkoutPageUrl"`
	BlockTransactionID *string   `json:"blockTransactionId"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// TradeInfo строит представление статуса по строке платежа.
func (s *Service) TradeInfo(trade *model.GatewayTrade) *TradeStatusInfo {
	var actual *string
	if trade.ActualAmount != nil {
		v := trade.ActualAmount.String()
		actual = &v
	}
	return &TradeStatusInfo{
		TradeID:            trade.TradeID,
		OrderID:            trade.OrderID,
		Status:             string(trade.Status),
		Amount:             trade.Amount.StringFixed(2),
		ActualAmount:       actual,
		Token:              trade.Token,
		PaymentURL:         s.PaymentURL(trade),
		CheckoutPageURL:    s.LocalCheckoutURL(trade),
		BlockTransactionID: trade.BlockTransactionID,
		UpdatedAt:          trade.UpdatedAt,
	}
}

// TradeStatusByTradeID возвращает статус платежа по идентификатору шлюза.
func (s *Service) TradeStatusByTradeID(ctx context.Context, tradeID string) (*TradeStatusInfo, error) {
	trade, err := s.repo.GetTradeByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return s.TradeInfo(trade), nil
}

// TradeStatusByOrderID возвращает статус платежа по внутреннему order_id.
func (s *Service) TradeStatusByOrderID(ctx context.Context, orderID string) (*TradeStatusInfo, error) {
	trade, err := s.repo.GetTradeByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.TradeInfo(trade), nil
}

// StartTradeExpiryUpdates запускает фоновый процесс, помечающий
// просроченные pending-платежи как expired.
func (s *Service) StartTradeExpiryUpdates(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.ExpirePendingTrades(ctx, time.Now())
				if err != nil {
					s.logger.Errorw("expire pending trades", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Infow("expired pending trades", "count", n)
				}
			}
		}
	}()
}
