package handler

import (
	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/keyshop-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса keyshop.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/payments/usdt", func(r chi.Router) {
		r.Post("/webhook", h.Webhook)
		r.Get("/status", h.TradeStatus)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.AdminAuth(h.adminToken))

			r.Post("/create", h.CreateDeposit)
		})
	})

	r.Route("/api/shop", func(r chi.Router) {
		r.Get("/products", h.Catalog)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/purchase", h.Purchase)
		})
	})

	r.Route("/api/user", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/balance", h.GetBalance)
		r.Get("/orders", h.GetOrders)
		r.Get("/transactions", h.GetTransactions)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.AdminAuth(h.adminToken))

		r.Post("/users", h.EnsureUser)
		r.Post("/users/{id}/adjust", h.AdjustBalance)
		r.Get("/users/{id}/reconcile", h.ReconcileUserBalance)
		r.Get("/users/{id}/pricing", h.GetUserPricing)
		r.Post("/users/{id}/level", h.SetUserLevel)

		r.Post("/products", h.CreateProduct)
		r.Patch("/products/{id}", h.UpdateProduct)
		r.Delete("/products/{id}", h.DeleteProduct)
		r.Post("/products/{id}/keys", h.ImportKeys)
	})

	return r
}
