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

// PurchaseResult описывает результат успешной покупки ключа.
type PurchaseResult struct {
	OrderID     int64
	Key         string
	Amount      decimal.Decimal
	ProductID   int64
	ProductName string
}

// PurchaseKey выполняет покупку одного ключа товара в одной транзакции:
// проверка товара, блокировка строки покупателя, проверка баланса по
// заблокированной строке, резервирование самого раннего непроданного ключа
// под эксклюзивной блокировкой, списание средств, создание заказа и записи
// журнала. Любая ошибка откатывает транзакцию целиком: ключ не остаётся
// проданным без заказа, баланс не списывается без проданного ключа.
//
// Конкурентные покупки одного товара сериализуются блокировкой строки
// ключа, конкурентные покупки одного пользователя — блокировкой его строки.
func (r *PostgresRepository) PurchaseKey(ctx context.Context, userID, productID int64) (*PurchaseResult, error) {
	var result *PurchaseResult

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			res, err := purchaseKeyTx(ctx, tx, userID, productID)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func purchaseKeyTx(ctx context.Context, tx pgx.Tx, userID, productID int64) (*PurchaseResult, error) {
	var (
		productName string
		priceText   string
		isActive    bool
	)
	err := tx.QueryRow(ctx,
		`SELECT name, price::text, is_active FROM products WHERE id = $1`,
		productID,
	).Scan(&productName, &priceText, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	if !isActive {
		return nil, ErrProductUnavailable
	}

	price, err := parseDecimal(priceText)
	if err != nil {
		return nil, err
	}

	// Блокируем строку покупателя: баланс сравнивается с ценой уже по
	// заблокированному значению, а не по устаревшему чтению.
	var balanceText string
	err = tx.QueryRow(ctx,
		`SELECT balance::text FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balanceText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user for update: %w", err)
	}

	balance, err := parseDecimal(balanceText)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(price) {
		return nil, ErrInsufficientBalance
	}

	// Резервируем самый ранний непроданный ключ под эксклюзивной блокировкой.
	var keyID int64
	var keyValue string
	err = tx.QueryRow(ctx,
		`SELECT id, key_value
		 FROM product_keys
		 WHERE product_id = $1 AND NOT is_sold
		 ORDER BY id ASC
		 LIMIT 1
		 FOR UPDATE`,
		productID,
	).Scan(&keyID, &keyValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOutOfStock
		}
		return nil, fmt.Errorf("lock product key: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE product_keys SET is_sold = TRUE, sold_to_user_id = $1, sold_at = $2 WHERE id = $3 AND NOT is_sold`,
		userID, time.Now().UTC(), keyID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark key sold: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return nil, ErrOutOfStock
	}

	note := fmt.Sprintf("Buy product %d key#%d", productID, keyID)
	if err := adjustBalanceTx(ctx, tx, userID, price.Neg(), model.TransactionPurchase, note); err != nil {
		return nil, err
	}

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, product_key_id, amount) VALUES ($1, $2, $3::numeric) RETURNING id`,
		userID, keyID, price.String(),
	).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return &PurchaseResult{
		OrderID:     orderID,
		Key:         keyValue,
		Amount:      price,
		ProductID:   productID,
		ProductName: productName,
	}, nil
}

// UserOrder описывает заказ пользователя с данными товара и ключа.
type UserOrder struct {
	ID          int64
	Amount      decimal.Decimal
	ProductName string
	KeyValue    string
	CreatedAt   time.Time
}

// ListUserOrders возвращает последние заказы пользователя.
func (r *PostgresRepository) ListUserOrders(ctx context.Context, userID int64, limit int) ([]UserOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.amount::text, p.name, pk.key_value, o.created_at
		 FROM orders o
		 JOIN product_keys pk ON o.product_key_id = pk.id
		 JOIN products p ON pk.product_id = p.id
		 WHERE o.user_id = $1
		 ORDER BY o.id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []UserOrder
	for rows.Next() {
		var o UserOrder
		var amount string
		if err := rows.Scan(&o.ID, &amount, &o.ProductName, &o.KeyValue, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
