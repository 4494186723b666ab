package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/keyshop-system/internal/model"
	"github.com/mmeshcher/keyshop-system/internal/repository"
)

// ProductWithStock — товар каталога вместе с количеством доступных ключей.
type ProductWithStock struct {
	Product model.Product
	Stock   int64
}

// ListCatalog возвращает активные товары с остатками ключей.
func (s *Service) ListCatalog(ctx context.Context) ([]ProductWithStock, error) {
	products, err := s.repo.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]ProductWithStock, 0, len(products))
	for _, p := range products {
		stock, err := s.repo.CountAvailableKeys(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, ProductWithStock{Product: p, Stock: stock})
	}

	return res, nil
}

// CreateProduct создаёт товар каталога.
func (s *Service) CreateProduct(ctx context.Context, params repository.CreateProductParams) (*model.Product, error) {
	return s.repo.CreateProduct(ctx, params)
}

// UpdateProduct применяет частичное обновление товара.
func (s *Service) UpdateProduct(ctx context.Context, id int64, patch repository.UpdateProductParams) (*model.Product, error) {
	return s.repo.UpdateProduct(ctx, id, patch)
}

// DeleteProduct удаляет неактивный товар; force каскадно удаляет
// только непроданные ключи.
func (s *Service) DeleteProduct(ctx context.Context, id int64, force bool) error {
	return s.repo.DeleteProduct(ctx, id, force)
}

// ImportProductKeys добавляет ключи товара, пропуская пустые строки.
func (s *Service) ImportProductKeys(ctx context.Context, productID int64, keys []string) (int, error) {
	return s.repo.ImportProductKeys(ctx, productID, keys)
}

// ListUserOrders возвращает последние заказы пользователя.
func (s *Service) ListUserOrders(ctx context.Context, userID int64, limit int) ([]repository.UserOrder, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.repo.ListUserOrders(ctx, userID, limit)
}

// ListUserTransactions возвращает последние записи журнала пользователя.
func (s *Service) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListUserTransactions(ctx, userID, limit)
}

// PricingTier описывает ценовой уровень пополнения.
type PricingTier struct {
	LevelLabel     string
	MinSingleTopup decimal.Decimal
	MaxSingleTopup decimal.Decimal
	Price          decimal.Decimal
	Override       bool
}

// defaultMaxSingleTopup — лимит одного пополнения для пользователей
// без переопределения уровня, в USDT.
var defaultMaxSingleTopup = decimal.NewFromInt(10000)

var pricingTiers = []PricingTier{
	{LevelLabel: "L0", MinSingleTopup: decimal.NewFromInt(0), Price: decimal.RequireFromString("0.09")},
	{LevelLabel: "L1", MinSingleTopup: decimal.NewFromInt(100), Price: decimal.RequireFromString("0.085")},
	{LevelLabel: "L2", MinSingleTopup: decimal.NewFromInt(300), Price: decimal.RequireFromString("0.077")},
	{LevelLabel: "L3", MinSingleTopup: decimal.NewFromInt(500), Price: decimal.RequireFromString("0.07")},
	{LevelLabel: "L4", MinSingleTopup: decimal.NewFromInt(800), Price: decimal.RequireFromString("0.063")},
	{LevelLabel: "L5", MinSingleTopup: decimal.NewFromInt(1000), Price: decimal.RequireFromString("0.056")},
}

// PricingForUser возвращает ценовой уровень пользователя: переопределённый
// уровень, если он задан, иначе базовый с лимитом по умолчанию.
func (s *Service) PricingForUser(ctx context.Context, userID int64) (*PricingTier, error) {
	label, err := s.repo.GetLevelOverride(ctx, userID)
	if err != nil {
		return nil, err
	}

	if label != "" {
		for _, tier := range pricingTiers {
			if tier.LevelLabel == label {
				t := tier
				t.MaxSingleTopup = t.MinSingleTopup
				t.Override = true
				return &t, nil
			}
		}
	}

	t := pricingTiers[0]
	t.MaxSingleTopup = defaultMaxSingleTopup
	return &t, nil
}

// SetUserLevel задаёт переопределение ценового уровня пользователя.
func (s *Service) SetUserLevel(ctx context.Context, userID int64, label string) error {
	return s.repo.SetLevelOverride(ctx, userID, label)
}

// ReconcileBalance сверяет баланс пользователя с суммой записей журнала.
func (s *Service) ReconcileBalance(ctx context.Context, userID int64) error {
	return s.repo.ReconcileBalance(ctx, userID)
}
