package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/middleware"
	"github.com/atlas402/x402-engine/internal/models"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/x402"
)

// Fixed platform fees in USD. Resource access uses the configured price.
const (
	MintFeePrice      = "$0.25"
	RegistrationPrice = "$50.00"
)

type Handler struct {
	Price             string
	MintFeePrice      string
	RegistrationPrice string
	PayToEVM          string
	PayToSolana       string
	Networks          []x402.Network
	Builder           x402.Builder
	Verifier          verify.Verifier
	Ledger            ledger.Ledger
	Logger            zerolog.Logger
}

func NewHandler(price, payToEVM, payToSolana string, networks []x402.Network, builder x402.Builder, verifier verify.Verifier, store ledger.Ledger, logger zerolog.Logger) *Handler {
	return &Handler{
		Price:             price,
		MintFeePrice:      MintFeePrice,
		RegistrationPrice: RegistrationPrice,
		PayToEVM:          payToEVM,
		PayToSolana:       payToSolana,
		Networks:          networks,
		Builder:           builder,
		Verifier:          verifier,
		Ledger:            store,
		Logger:            logger,
	}
}

func (h *Handler) payTo(network x402.Network) string {
	if network.IsEVM() {
		return h.PayToEVM
	}
	return h.PayToSolana
}

// Info describes the payment surface so clients can prepare payments without
// first hitting a 402.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	networks := make([]map[string]any, 0, len(h.Networks))
	for _, n := range h.Networks {
		token, ok := h.Builder.Networks[n]
		if !ok {
			continue
		}
		networks = append(networks, map[string]any{
			"network": n,
			"scheme":  token.Scheme,
			"asset":   token.Asset,
			"payTo":   h.payTo(n),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"x402Version": x402.X402Version,
		"price":       h.Price,
		"fees": map[string]string{
			"mint":         h.MintFeePrice,
			"registration": h.RegistrationPrice,
		},
		"networks": networks,
	})
}

type verifyRequest struct {
	PaymentHeader       string                   `json:"paymentHeader"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// VerifyPayment is a dry-run endpoint: it returns the verdict without
// recording anything or granting access.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	payload, err := x402.DecodePaymentHeader(req.PaymentHeader)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"isValid":       false,
			"invalidReason": x402.ReasonMalformedPayload,
		})
		return
	}

	result, err := h.Verifier.Verify(r.Context(), payload, &req.PaymentRequirements)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("dry-run verification unavailable")
		writeJSON(w, http.StatusOK, map[string]any{
			"isValid":       false,
			"invalidReason": x402.ReasonVerificationUnavailable,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isValid":       result.IsValid,
		"invalidReason": result.InvalidReason,
		"payer":         result.Payer,
	})
}

// Premium serves paid content. The payment gate has already verified and
// recorded the payment by the time this runs.
func (h *Handler) Premium(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"content": "premium content unlocked",
		"path":    r.URL.Path,
		"payer":   info.Payer,
	})
}

type mintFeeRequest struct {
	TokenName   string `json:"tokenName"`
	TokenSymbol string `json:"tokenSymbol"`
}

func (h *Handler) MintFeePaid(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.FromContext(r.Context())

	var req mintFeeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	event, err := h.Ledger.RecordUserEvent(r.Context(), models.UserEvent{
		UserAddress: info.Payer,
		EventType:   "token_minted",
		Network:     string(info.Network),
		ReferenceID: info.TxHash,
		AmountMicro: info.AmountMicro,
		Metadata: map[string]any{
			"token_name":   req.TokenName,
			"token_symbol": req.TokenSymbol,
		},
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("tx_hash", info.TxHash).Msg("record mint event failed")
		writeError(w, http.StatusInternalServerError, "record mint event failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "mint fee accepted",
		"eventId": event.ID,
		"txHash":  info.TxHash,
	})
}

func (h *Handler) ServicePaid(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "service payment accepted",
		"txHash": info.TxHash,
		"payer":  info.Payer,
	})
}

type registerRequest struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Endpoint      string         `json:"endpoint"`
	Category      string         `json:"category"`
	Network       string         `json:"network"`
	PriceAmount   string         `json:"priceAmount"`
	PriceCurrency string         `json:"priceCurrency"`
	Metadata      map[string]any `json:"metadata"`
}

// Register lists a merchant service in the directory after the registration
// fee has cleared. Re-registering the same name updates the listing.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.FromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "name and endpoint are required")
		return
	}

	svc, err := h.Ledger.UpsertService(r.Context(), models.ServiceRecord{
		Name:            req.Name,
		Description:     req.Description,
		Endpoint:        req.Endpoint,
		MerchantAddress: info.Payer,
		Category:        req.Category,
		Network:         req.Network,
		PriceAmount:     req.PriceAmount,
		PriceCurrency:   req.PriceCurrency,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("service", req.Name).Msg("register service failed")
		writeError(w, http.StatusInternalServerError, "register service failed")
		return
	}

	if _, err := h.Ledger.RecordUserEvent(r.Context(), models.UserEvent{
		UserAddress: info.Payer,
		EventType:   "service_registered",
		Network:     string(info.Network),
		ReferenceID: info.TxHash,
		AmountMicro: info.AmountMicro,
		Metadata:    map[string]any{"service": svc.Name},
	}); err != nil {
		h.Logger.Error().Err(err).Str("service", svc.Name).Msg("record registration event failed")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "registered",
		"serviceId": svc.ID,
		"name":      svc.Name,
	})
}

func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	services, err := h.Ledger.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list services failed")
		return
	}
	out := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		out = append(out, map[string]any{
			"id":            svc.ID,
			"name":          svc.Name,
			"description":   svc.Description,
			"endpoint":      svc.Endpoint,
			"merchant":      svc.MerchantAddress,
			"category":      svc.Category,
			"network":       svc.Network,
			"priceAmount":   svc.PriceAmount,
			"priceCurrency": svc.PriceCurrency,
			"registeredAt":  svc.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.PaymentFilter{
		UserAddress: q.Get("user"),
		Network:     q.Get("network"),
		Category:    q.Get("category"),
		Limit:       queryInt(q.Get("limit")),
		Offset:      queryInt(q.Get("offset")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	payments, err := h.Ledger.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list payments failed")
		return
	}
	out := make([]map[string]any, 0, len(payments))
	for _, p := range payments {
		out = append(out, map[string]any{
			"txHash":      p.TxHash,
			"user":        p.UserAddress,
			"merchant":    p.MerchantAddress,
			"network":     p.Network,
			"amountMicro": p.AmountMicro,
			"currency":    p.Currency,
			"category":    p.Category,
			"service":     p.Service,
			"createdAt":   p.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := h.Ledger.ListUserEvents(r.Context(), ledger.EventFilter{
		UserAddress: q.Get("user"),
		EventType:   q.Get("type"),
		Limit:       queryInt(q.Get("limit")),
		Offset:      queryInt(q.Get("offset")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"id":          ev.ID,
			"user":        ev.UserAddress,
			"type":        ev.EventType,
			"network":     ev.Network,
			"referenceId": ev.ReferenceID,
			"amountMicro": ev.AmountMicro,
			"createdAt":   ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func queryInt(v string) int {
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}
