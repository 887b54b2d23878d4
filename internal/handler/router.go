package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/ramelapp/dreamcredit-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса толкования снов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/dreams", h.InterpretDream)
			r.Get("/dreams", h.GetDreams)

			r.Get("/balance", h.GetBalance)

			r.Post("/referral", h.ApplyReferral)
			r.Get("/referral", h.GetReferral)

			r.Get("/payments/packages", h.GetPackages)
			r.Post("/payments", h.CreatePurchase)
			r.Get("/payments", h.GetPayments)
			r.Post("/payments/paypal/capture", h.CapturePayPal)
		})
	})

	// Уведомления провайдеров приходят без cookie авторизации.
	r.Post("/api/webhooks/{provider}", h.PaymentWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
