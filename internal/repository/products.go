package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/keyshop-system/internal/model"
)

const productColumns = `id, name, price::text, category, sub_category, description, is_active, sort_order, created_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var price string
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Category, &p.SubCategory, &p.Description, &p.IsActive, &p.SortOrder, &p.CreatedAt); err != nil {
		return nil, err
	}
	d, err := parseDecimal(price)
	if err != nil {
		return nil, err
	}
	p.Price = d
	return &p, nil
}

// GetProductByID возвращает товар по идентификатору.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListActiveProducts возвращает активные товары в порядке отображения.
func (r *PostgresRepository) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE is_active
		 ORDER BY sort_order ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountAvailableKeys возвращает количество непроданных ключей товара.
func (r *PostgresRepository) CountAvailableKeys(ctx context.Context, productID int64) (int64, error) {
	var c int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM product_keys WHERE product_id = $1 AND NOT is_sold`,
		productID,
	).Scan(&c)
	if err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return c, nil
}

// CreateProductParams описывает атрибуты создаваемого товара.
type CreateProductParams struct {
	Name        string
	Price       decimal.Decimal
	Category    string
	SubCategory string
	Description string
	IsActive    bool
}

// CreateProduct создаёт товар. Имя должно быть уникальным,
// подкатегория — непустой. Порядок отображения по умолчанию равен id.
func (r *PostgresRepository) CreateProduct(ctx context.Context, params CreateProductParams) (*model.Product, error) {
	if strings.TrimSpace(params.SubCategory) == "" {
		return nil, errors.New("sub_category is required")
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, price, category, sub_category, description, is_active)
		 VALUES ($1, $2::numeric, $3, $4, $5, $6)
		 RETURNING id`,
		params.Name, params.Price.String(), params.Category,
		strings.TrimSpace(params.SubCategory), nullableString(strings.TrimSpace(params.Description)), params.IsActive,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrProductNameTaken, params.Name)
		}
		return nil, fmt.Errorf("insert product: %w", err)
	}

	// Новый товар показывается последним: sort_order = id.
	if _, err := r.pool.Exec(ctx, `UPDATE products SET sort_order = id WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("set sort order: %w", err)
	}

	return r.GetProductByID(ctx, id)
}

// UpdateProductParams описывает частичное обновление товара.
// Nil-поля не изменяются.
type UpdateProductParams struct {
	Name        *string
	Price       *decimal.Decimal
	Category    *string
	SubCategory *string
	Description *string
	IsActive    *bool
}

// UpdateProduct применяет частичное обновление товара с теми же проверками,
// что и при создании.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, id int64, patch UpdateProductParams) (*model.Product, error) {
	if patch.SubCategory != nil && strings.TrimSpace(*patch.SubCategory) == "" {
		return nil, errors.New("sub_category is required")
	}

	fields := make([]string, 0, 6)
	values := make([]any, 0, 7)
	add := func(expr string, v any) {
		values = append(values, v)
		fields = append(fields, fmt.Sprintf(expr, len(values)))
	}

	if patch.Name != nil {
		add("name = $%d", *patch.Name)
	}
	if patch.Price != nil {
		add("price = $%d::numeric", patch.Price.String())
	}
	if patch.Category != nil {
		add("category = $%d", *patch.Category)
	}
	if patch.SubCategory != nil {
		add("sub_category = $%d", strings.TrimSpace(*patch.SubCategory))
	}
	if patch.Description != nil {
		add("description = $%d", nullableString(strings.TrimSpace(*patch.Description)))
	}
	if patch.IsActive != nil {
		add("is_active = $%d", *patch.IsActive)
	}

	if len(fields) == 0 {
		return r.GetProductByID(ctx, id)
	}

	values = append(values, id)
	query := fmt.Sprintf(`UPDATE products SET %s WHERE id = $%d`, strings.Join(fields, ", "), len(values))

	cmdTag, err := r.pool.Exec(ctx, query, values...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrProductNameTaken, *patch.Name)
		}
		return nil, fmt.Errorf("update product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrProductNotFound
	}

	return r.GetProductByID(ctx, id)
}

// DeleteProduct удаляет неактивный товар. Если у товара остались ключи,
// удаление возможно только с force: каскад затрагивает исключительно
// непроданные ключи, проданные ключи и заказы не трогаются.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id int64, force bool) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var isActive bool
		err := tx.QueryRow(ctx, `SELECT is_active FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&isActive)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProductNotFound
			}
			return fmt.Errorf("select product: %w", err)
		}
		if isActive {
			return ErrProductActive
		}

		var keyCount int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM product_keys WHERE product_id = $1`, id).Scan(&keyCount); err != nil {
			return fmt.Errorf("count keys: %w", err)
		}

		if keyCount > 0 && !force {
			return ErrProductHasKeys
		}

		if force && keyCount > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM product_keys WHERE product_id = $1 AND NOT is_sold`, id); err != nil {
				return fmt.Errorf("delete unsold keys: %w", err)
			}
		}

		cmdTag, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1 AND NOT is_active`, id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				// Проданные ключи остаются и удерживают товар внешним ключом.
				return ErrProductHasKeys
			}
			return fmt.Errorf("delete product: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrProductNotFound
		}

		return nil
	})
}

// ImportProductKeys добавляет ключи товара одной транзакцией.
// Пустые строки пропускаются. Возвращает число добавленных ключей.
func (r *PostgresRepository) ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error) {
	inserted := 0
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		for _, key := range keys {
			value := strings.TrimSpace(key)
			if value == "" {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO product_keys (product_id, key_value) VALUES ($1, $2)`,
				productID, value,
			); err != nil {
				return fmt.Errorf("insert key: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
