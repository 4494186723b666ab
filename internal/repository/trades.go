package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/keyshop-system/internal/model"
)

const tradeColumns = `id, trade_id, order_id, user_id, status, amount::text, actual_amount::text,
	token, payment_url, expiration_time, block_transaction_id,
	raw_request, raw_response, raw_callback, created_at, updated_at`

func scanTrade(row pgx.Row) (*model.GatewayTrade, error) {
	var t model.GatewayTrade
	var status string
	var amount string
	var actualAmount *string
	err := row.Scan(
		&t.ID, &t.TradeID, &t.OrderID, &t.UserID, &status, &amount, &actualAmount,
		&t.Token, &t.PaymentURL, &t.ExpirationTime, &t.BlockTransactionID,
		&t.RawRequest, &t.RawResponse, &t.RawCallback, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.TradeStatus(status)
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if t.ActualAmount, err = parseDecimalPtr(actualAmount); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTradeParams описывает сохраняемое состояние платежа после
// успешного ответа шлюза.
type UpsertTradeParams struct {
	OrderID        string
	TradeID        *string
	UserID         int64
	Amount         decimal.Decimal
	ActualAmount   *decimal.Decimal
	Token          *string
	PaymentURL     *string
	ExpirationTime *int64
	RawRequest     []byte
	RawResponse    []byte
}

// UpsertTrade сохраняет платёж со статусом pending. Конфликт по order_id
// обновляет существующую строку, поэтому повтор createTrade с тем же
// order_id идемпотентен на уровне хранилища.
func (r *PostgresRepository) UpsertTrade(ctx context.Context, params UpsertTradeParams) (*model.GatewayTrade, error) {
	var actualAmount *string
	if params.ActualAmount != nil {
		s := params.ActualAmount.String()
		actualAmount = &s
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO gateway_trades
		     (trade_id, order_id, user_id, status, amount, actual_amount, token, payment_url, expiration_time, raw_request, raw_response)
		 VALUES ($1, $2, $3, 'pending', $4::numeric, $5::numeric, $6, $7, $8, $9, $10)
		 ON CONFLICT (order_id) DO UPDATE SET
		     trade_id = EXCLUDED.trade_id,
		     status = EXCLUDED.status,
		     amount = EXCLUDED.amount,
		     actual_amount = EXCLUDED.actual_amount,
		     token = EXCLUDED.token,
		     payment_url = EXCLUDED.payment_url,
		     expiration_time = EXCLUDED.expiration_time,
		     raw_request = EXCLUDED.raw_request,
		     raw_response = EXCLUDED.raw_response,
		     updated_at = now()`,
		params.TradeID, params.OrderID, params.UserID, params.Amount.String(), actualAmount,
		params.Token, params.PaymentURL, params.ExpirationTime, params.RawRequest, params.RawResponse,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert trade: %w", err)
	}

	return r.GetTradeByOrderID(ctx, params.OrderID)
}

// GetTradeByOrderID возвращает платёж по внутреннему order_id.
func (r *PostgresRepository) GetTradeByOrderID(ctx context.Context, orderID string) (*model.GatewayTrade, error) {
	t, err := scanTrade(r.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM gateway_trades WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// GetTradeByTradeID возвращает платёж по идентификатору шлюза.
func (r *PostgresRepository) GetTradeByTradeID(ctx context.Context, tradeID string) (*model.GatewayTrade, error) {
	t, err := scanTrade(r.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM gateway_trades WHERE trade_id = $1 ORDER BY id LIMIT 1`, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// CallbackUpdate описывает данные callback-а шлюза, применяемые к платежу.
type CallbackUpdate struct {
	OrderID            string
	TradeID            string
	Status             model.TradeStatus
	ActualAmount       decimal.Decimal
	Token              string
	BlockTransactionID string
	RawCallback        []byte
}

// ApplyCallback применяет callback шлюза к платежу. Строка платежа
// блокируется FOR UPDATE, поэтому конкурентные callback-и одного платежа
// сериализуются: проверка статуса и начисление выполняются в одной
// транзакции. Переход pending -> paid начисляет actual_amount на баланс
// ровно один раз; любой терминальный статус (paid, expired, failed)
// необратим, повторный callback обновляет только аудиторский след и
// баланс не меняется. Возвращает признак выполненного начисления.
func (r *PostgresRepository) ApplyCallback(ctx context.Context, upd CallbackUpdate) (bool, error) {
	credited := false

	err := r.withRetry(ctx, func() error {
		credited = false
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var currentStatus string
			var userID int64
			err := tx.QueryRow(ctx,
				`SELECT status, user_id FROM gateway_trades WHERE order_id = $1 FOR UPDATE`,
				upd.OrderID,
			).Scan(&currentStatus, &userID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrTradeNotFound
				}
				return fmt.Errorf("lock trade for update: %w", err)
			}

			// Терминальные статусы необратимы: повторный callback
			// обновляет только аудиторский след.
			newStatus := string(upd.Status)
			if currentStatus != string(model.TradeStatusPending) {
				newStatus = currentStatus
			}

			_, err = tx.Exec(ctx,
				`UPDATE gateway_trades
				 SET status = $1, trade_id = $2, actual_amount = $3::numeric, token = $4,
				     block_transaction_id = $5, raw_callback = $6, updated_at = now()
				 WHERE order_id = $7`,
				newStatus, upd.TradeID, upd.ActualAmount.String(), nullableString(upd.Token),
				nullableString(upd.BlockTransactionID), upd.RawCallback, upd.OrderID,
			)
			if err != nil {
				return fmt.Errorf("update trade: %w", err)
			}

			if upd.Status == model.TradeStatusPaid && currentStatus == string(model.TradeStatusPending) {
				note := fmt.Sprintf("Gateway deposit %s", upd.TradeID)
				if err := adjustBalanceTx(ctx, tx, userID, upd.ActualAmount, model.TransactionGatewayDeposit, note); err != nil {
					return err
				}
				credited = true
			}

			return nil
		})
	})
	if err != nil {
		return false, err
	}

	return credited, nil
}

// ExpirePendingTrades помечает просроченные pending-платежи как expired.
// Возвращает количество обновлённых строк.
func (r *PostgresRepository) ExpirePendingTrades(ctx context.Context, now time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE gateway_trades
		 SET status = 'expired', updated_at = now()
		 WHERE status = 'pending' AND expiration_time IS NOT NULL AND expiration_time < $1`,
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire trades: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
