package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas402/x402-engine/internal/middleware"
	"github.com/atlas402/x402-engine/internal/models"
)

type Server struct {
	Router *chi.Mux
}

// NewServer wires the route tree. Paid routes are wrapped per price point:
// resource access at the configured price, minting at the mint fee, service
// registration at the registration fee.
func NewServer(h *Handler) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/x402", func(r chi.Router) {
		r.Get("/info", h.Info)
		r.Post("/verify", h.VerifyPayment)
		r.Get("/discover", h.Discover)

		r.Group(func(r chi.Router) {
			r.Use(h.paymentGate(h.MintFeePrice, models.CategoryMint, "mint fee"))
			r.Post("/payment/mint-fee", h.MintFeePaid)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.paymentGate(h.Price, models.CategoryService, "service payment"))
			r.Post("/payment/service-payment", h.ServicePaid)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.paymentGate(h.RegistrationPrice, models.CategoryRegistration, "service registration"))
			r.Post("/register", h.Register)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.paymentGate(h.Price, models.CategoryAccess, "premium content"))
		r.Get("/premium/*", h.Premium)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/payments", h.ListPayments)
		r.Get("/events", h.ListEvents)
	})

	return &Server{Router: r}
}

func (h *Handler) paymentGate(price string, category models.PaymentCategory, description string) func(http.Handler) http.Handler {
	return middleware.Payment(middleware.Options{
		Price:       price,
		Description: description,
		Category:    category,
		Networks:    h.Networks,
		Builder:     h.Builder,
		Verifier:    h.Verifier,
		Ledger:      h.Ledger,
		PayTo:       h.payTo,
		Logger:      h.Logger,
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Payment")
		w.Header().Set("Access-Control-Expose-Headers", "X-Payment-Required")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
