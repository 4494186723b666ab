package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/keyshop-system/internal/model"
)

const userColumns = `id, external_id, username, balance::text, api_token, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &balance, &u.APIToken, &u.CreatedAt); err != nil {
		return nil, err
	}
	b, err := parseDecimal(balance)
	if err != nil {
		return nil, err
	}
	u.Balance = b
	return &u, nil
}

// GetOrCreateUser возвращает пользователя по внешнему идентификатору,
// создавая его при первом обращении. Имя пользователя обновляется,
// если оно изменилось.
func (r *PostgresRepository) GetOrCreateUser(ctx context.Context, externalID string, username *string) (*model.User, error) {
	apiToken := strings.ReplaceAll(uuid.NewString(), "-", "")

	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (external_id, username, api_token)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_id) DO UPDATE SET username = COALESCE(EXCLUDED.username, users.username)`,
		externalID, username, apiToken,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return r.GetUserByExternalID(ctx, externalID)
}

// GetUserByExternalID возвращает пользователя по внешнему идентификатору.
func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по внутреннему идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByAPIToken возвращает пользователя по его API-токену.
func (r *PostgresRepository) GetUserByAPIToken(ctx context.Context, token string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

// adjustBalanceTx блокирует строку пользователя, применяет дельту к балансу
// и добавляет запись в журнал операций внутри транзакции вызывающего.
// Отрицательный итоговый баланс здесь не отклоняется: проверка достаточности
// средств — обязанность вызывающего до списания.
func adjustBalanceTx(ctx context.Context, tx pgx.Tx, userID int64, delta decimal.Decimal, kind model.TransactionKind, description string) error {
	var dummy int
	err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = balance + $1::numeric WHERE id = $2`,
		delta.String(), userID,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	if kind == "" {
		if delta.Sign() >= 0 {
			kind = model.TransactionRecharge
		} else {
			kind = model.TransactionPurchase
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (user_id, type, amount, description) VALUES ($1, $2, $3::numeric, $4)`,
		userID, string(kind), delta.String(), nullableString(description),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

// AdjustBalance изменяет баланс пользователя и пишет запись журнала
// в одной транзакции. Пустой kind выводится из знака дельты.
func (r *PostgresRepository) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, kind model.TransactionKind, description string) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			return adjustBalanceTx(ctx, tx, userID, delta, kind, description)
		})
	})
}

// ListUserTransactions возвращает последние записи журнала пользователя.
func (r *PostgresRepository) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, amount::text, description, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, amount string
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &amount, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReconcileBalance проверяет, что текущий баланс пользователя равен
// сумме всех его записей журнала.
func (r *PostgresRepository) ReconcileBalance(ctx context.Context, userID int64) error {
	u, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	var sumText string
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM transactions WHERE user_id = $1`,
		userID,
	).Scan(&sumText)
	if err != nil {
		return fmt.Errorf("sum transactions: %w", err)
	}

	sum, err := parseDecimal(sumText)
	if err != nil {
		return err
	}

	if !u.Balance.Equal(sum) {
		return fmt.Errorf("balance mismatch: balance=%s, ledger=%s", u.Balance, sum)
	}

	return nil
}

// GetLevelOverride возвращает метку ценового уровня пользователя,
// если для него задано переопределение.
func (r *PostgresRepository) GetLevelOverride(ctx context.Context, userID int64) (string, error) {
	var label string
	err := r.pool.QueryRow(ctx,
		`SELECT level_label FROM user_level_overrides WHERE user_id = $1`, userID,
	).Scan(&label)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get level override: %w", err)
	}
	return label, nil
}

// SetLevelOverride задаёт или обновляет ценовой уровень пользователя.
func (r *PostgresRepository) SetLevelOverride(ctx context.Context, userID int64, label string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_level_overrides (user_id, level_label)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET level_label = EXCLUDED.level_label, updated_at = now()`,
		userID, label,
	)
	if err != nil {
		return fmt.Errorf("set level override: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
