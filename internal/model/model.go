// Package model содержит доменные сущности сервиса keyshop.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет покупателя, созданного при первом обращении.
type User struct {
	ID         int64
	ExternalID string
	Username   *string
	Balance    decimal.Decimal
	APIToken   string
	CreatedAt  time.Time
}

// Product описывает товар каталога.
type Product struct {
	ID          int64
	Name        string
	Price       decimal.Decimal
	Category    string
	SubCategory string
	Description *string
	IsActive    bool
	SortOrder   int64
	CreatedAt   time.Time
}

// ProductKey представляет один секретный ключ товара.
// После продажи строка становится неизменяемой.
type ProductKey struct {
	ID           int64
	ProductID    int64
	KeyValue     string
	IsSold       bool
	SoldToUserID *int64
	SoldAt       *time.Time
	CreatedAt    time.Time
}

// Order связывает пользователя с ровно одним проданным ключом
// по цене, зафиксированной в момент покупки.
type Order struct {
	ID           int64
	UserID       int64
	ProductKeyID int64
	Amount       decimal.Decimal
	CreatedAt    time.Time
}

// TransactionKind описывает тип записи в журнале операций.
type TransactionKind string

const (
	TransactionRecharge        TransactionKind = "recharge"
	TransactionPurchase        TransactionKind = "purchase"
	TransactionAdminAdjustment TransactionKind = "admin_adjustment"
	TransactionGatewayDeposit  TransactionKind = "gateway_deposit"
)

// Transaction — неизменяемая запись изменения баланса пользователя.
// Сумма всех записей пользователя всегда равна его текущему балансу.
type Transaction struct {
	ID          int64
	UserID      int64
	Kind        TransactionKind
	Amount      decimal.Decimal
	Description *string
	CreatedAt   time.Time
}

// TradeStatus описывает статус платежа во внешнем шлюзе.
type TradeStatus string

const (
	TradeStatusPending TradeStatus = "pending"
	TradeStatusPaid    TradeStatus = "paid"
	TradeStatusExpired TradeStatus = "expired"
	TradeStatusFailed  TradeStatus = "failed"
)

// GatewayTrade — одна попытка приёма платежа через внешний шлюз.
// Переходы pending -> paid|expired|failed необратимы.
type GatewayTrade struct {
	ID                 int64
	TradeID            *string
	OrderID            string
	UserID             int64
	Status             TradeStatus
	Amount             decimal.Decimal
	ActualAmount       *decimal.Decimal
	Token              *string
	PaymentURL         *string
	ExpirationTime     *int64
	BlockTransactionID *string
	RawRequest         []byte
	RawResponse        []byte
	RawCallback        []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
