package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/giro-ledger/internal/middleware"
)

// SetupRouter настраивает маршруты HTTP API.
func (h *Handler) SetupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)
		r.Get("/ledger/actions", h.GetActions)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/items", h.CreateItem)
			r.Post("/ledger/purchase", h.Purchase)
			r.Post("/ledger/grant", h.Grant)
			r.Get("/ledger/balance", h.GetBalance)
			r.Get("/ledger/history", h.GetHistory)
			r.Get("/ledger/entry/{id}", h.GetEntry)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
