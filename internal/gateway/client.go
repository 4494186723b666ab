package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	createTransactionPath = "/api/v1/order/create-transaction"
	requestTimeout        = 10 * time.Second
	// Порт checkout-страницы шлюза по умолчанию, если базовый URL задан без порта.
	defaultCheckoutPort = "8001"
)

// ErrTimeout возвращается, когда шлюз не ответил за отведённое время.
// Эта ошибка отличается от ошибки подписи: повтор запроса остаётся
// на усмотрение вызывающего.
var ErrTimeout = errors.New("gateway request timed out")

// BusinessError — явный отказ шлюза, не связанный с подписью.
// Перебор режимов подписи при такой ошибке не выполняется.
type BusinessError struct {
	StatusCode int
	Message    string
	SignSource string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("gateway business error %d: %s (sign source: %s)", e.StatusCode, e.Message, e.SignSource)
}

// SignatureError означает, что все режимы подписи были отклонены шлюзом.
type SignatureError struct {
	Modes       []SignMode
	SignSource  string
	LastMessage string
}

func (e *SignatureError) Error() string {
	modes := make([]string, 0, len(e.Modes))
	for _, m := range e.Modes {
		modes = append(modes, string(m))
	}
	return fmt.Sprintf("gateway rejected all signature modes [%s]: %s (sign source: %s)",
		strings.Join(modes, ", "), e.LastMessage, e.SignSource)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом epusdt.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент шлюза по указанному базовому адресу
// и общему секрету.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// TradeData описывает данные созданного платежа из ответа шлюза.
type TradeData struct {
	TradeID        string          `json:"trade_id"`
	ActualAmount   decimal.Decimal `json:"actual_amount"`
	Token          string          `json:"token"`
	PaymentURL     string          `json:"payment_url"`
	ExpirationTime int64           `json:"expiration_time"`
}

type createTransactionResponse struct {
	StatusCode int        `json:"status_code"`
	Message    string     `json:"message"`
	Data       *TradeData `json:"data"`
}

// CreateTransactionResult содержит данные платежа и сырые снимки
// запроса и ответа для аудита.
type CreateTransactionResult struct {
	Data        TradeData
	RawRequest  []byte
	RawResponse []byte
}

type createTransactionRequest struct {
	OrderID     string      `json:"order_id"`
	Amount      json.Number `json:"amount"`
	NotifyURL   string      `json:"notify_url"`
	RedirectURL string      `json:"redirect_url,omitempty"`
	Signature   string      `json:"signature"`
}

var signErrorRe = regexp.MustCompile(`(?i)签名|sign`)

func isSignError(statusCode int, message string) bool {
	return statusCode == 401 || statusCode == 403 || signErrorRe.MatchString(message)
}

// CreateTransaction создаёт платёж в шлюзе. Подпись строится по
// канонической строке из отсортированных пар key=value; при явной ошибке
// подписи клиент последовательно пробует остальные режимы и возвращает
// агрегированную ошибку, если шлюз отклонил их все. Любая другая ошибка
// шлюза возвращается сразу без перебора режимов.
func (c *Client) CreateTransaction(ctx context.Context, orderID string, amount decimal.Decimal, notifyURL, redirectURL string) (*CreateTransactionResult, error) {
	if c.baseURL == "" {
		return nil, errors.New("gateway base URL not configured")
	}
	if c.token == "" {
		return nil, errors.New("gateway token not configured")
	}

	amountStr := CanonicalAmount(amount.Round(2))
	payload := map[string]string{
		"order_id":     orderID,
		"amount":       amountStr,
		"notify_url":   notifyURL,
		"redirect_url": redirectURL,
	}
	signSource := BuildSignSource(payload)

	var lastMessage string
	for _, mode := range SignModes {
		body := createTransactionRequest{
			OrderID:     orderID,
			Amount:      json.Number(amountStr),
			NotifyURL:   notifyURL,
			RedirectURL: redirectURL,
			Signature:   Sign(payload, c.token, mode),
		}

		rawRequest, respBody, parsed, err := c.doCreate(ctx, body)
		if err != nil {
			return nil, err
		}

		if parsed.StatusCode == 200 {
			if parsed.Data == nil {
				return nil, fmt.Errorf("gateway returned success without data")
			}
			return &CreateTransactionResult{
				Data:        *parsed.Data,
				RawRequest:  rawRequest,
				RawResponse: respBody,
			}, nil
		}

		if !isSignError(parsed.StatusCode, parsed.Message) {
			return nil, &BusinessError{
				StatusCode: parsed.StatusCode,
				Message:    parsed.Message,
				SignSource: signSource,
			}
		}

		lastMessage = parsed.Message
		if lastMessage == "" {
			lastMessage = fmt.Sprintf("status_code %d", parsed.StatusCode)
		}
	}

	return nil, &SignatureError{
		Modes:       SignModes,
		SignSource:  signSource,
		LastMessage: lastMessage,
	}
}

func (c *Client) doCreate(ctx context.Context, body createTransactionRequest) ([]byte, []byte, *createTransactionResponse, error) {
	rawRequest, err := json.Marshal(body)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + createTransactionPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rawRequest))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrTimeout, url)
		}
		return nil, nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, nil, fmt.Errorf("gateway HTTP %d: %s", resp.StatusCode, previewBody(respBody))
	}

	var parsed createTransactionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, nil, nil, fmt.Errorf("decode response: %w (body: %s)", err, previewBody(respBody))
	}

	return rawRequest, respBody, &parsed, nil
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func previewBody(body []byte) string {
	const limit = 500
	if len(body) > limit {
		return string(body[:limit]) + "…"
	}
	return string(body)
}

// CheckoutURL детерминированно строит адрес checkout-страницы шлюза
// по идентификатору платежа. Если базовый URL задан без порта,
// добавляется порт checkout-страницы по умолчанию.
func (c *Client) CheckoutURL(tradeID string) string {
	if c.baseURL == "" || tradeID == "" {
		return ""
	}
	base := c.baseURL
	if !hasPortRe.MatchString(base) {
		base = base + ":" + defaultCheckoutPort
	}
	return base + "/pay/checkout-counter/" + tradeID
}

var hasPortRe = regexp.MustCompile(`:\d+$`)
