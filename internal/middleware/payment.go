package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/metrics"
	"github.com/atlas402/x402-engine/internal/models"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/x402"
)

type ctxKey struct{}

// PaymentInfo is what a protected handler learns about the payment that
// admitted the request.
type PaymentInfo struct {
	Payer       string
	TxHash      string
	Network     x402.Network
	AmountMicro int64
}

// FromContext returns the payment that admitted the request, if any.
func FromContext(ctx context.Context) (*PaymentInfo, bool) {
	info, ok := ctx.Value(ctxKey{}).(*PaymentInfo)
	return info, ok
}

// Options configures one payment gate. A server typically builds several,
// one per price point.
type Options struct {
	Price       string
	Description string
	Category    models.PaymentCategory
	Service     string
	Networks    []x402.Network
	Builder     x402.Builder
	Verifier    verify.Verifier
	Ledger      ledger.Ledger
	PayTo       func(network x402.Network) string
	Logger      zerolog.Logger
}

// Payment returns middleware implementing the 402 flow: no payment header
// yields 402 with fresh requirements; a payment header is verified and, when
// valid, recorded before the request proceeds. Verification failures of any
// kind deny the request; the chain is never assumed reachable.
func Payment(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accepts := buildAccepts(opts, r)
			if len(accepts) == 0 {
				opts.Logger.Error().Str("path", r.URL.Path).Msg("no payment requirements could be built")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment configuration error"})
				return
			}

			header := r.Header.Get(x402.PaymentHeader)
			if header == "" {
				metrics.RequestsPaymentRequired.Inc()
				writePaymentRequired(w, "payment required", accepts)
				return
			}

			payload, err := x402.DecodePaymentHeader(header)
			if err != nil {
				writePaymentRequired(w, string(x402.ReasonMalformedPayload), accepts)
				return
			}

			requirements := matchRequirements(accepts, payload)
			if requirements == nil {
				writePaymentRequired(w, string(x402.ReasonNetworkMismatch), accepts)
				return
			}

			result, err := opts.Verifier.Verify(r.Context(), payload, requirements)
			if err != nil {
				opts.Logger.Warn().Err(err).
					Str("network", string(payload.Network)).
					Msg("verification unavailable")
				metrics.Verifications.WithLabelValues("error", string(payload.Network)).Inc()
				writePaymentRequired(w, string(x402.ReasonVerificationUnavailable), accepts)
				return
			}
			if !result.IsValid {
				metrics.Verifications.WithLabelValues("invalid", string(payload.Network)).Inc()
				writePaymentRequired(w, string(result.InvalidReason), accepts)
				return
			}
			metrics.Verifications.WithLabelValues("valid", string(payload.Network)).Inc()

			amount, _ := strconv.ParseInt(requirements.MaxAmountRequired, 10, 64)

			// EVM transfer proofs are verified at head depth; the worker
			// re-checks them against a reorg before marking them confirmed.
			var meta map[string]any
			if _, isTransfer := payload.TransferPayload(); isTransfer && payload.Network.IsEVM() {
				meta = map[string]any{"confirmed": false}
			}
			recordPayment(r.Context(), opts, result, requirements, amount, meta)

			info := &PaymentInfo{
				Payer:       result.Payer,
				TxHash:      result.TxHash,
				Network:     payload.Network,
				AmountMicro: amount,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, info)))
		})
	}
}

// recordPayment is best effort: a ledger outage must not take down paid
// access, so failures are logged and counted but the request proceeds.
func recordPayment(ctx context.Context, opts Options, result *verify.Result, requirements *x402.PaymentRequirements, amount int64, meta map[string]any) {
	if opts.Ledger == nil {
		return
	}
	category := opts.Category
	if category == "" {
		category = models.CategorizeFee(amount)
	}
	_, err := opts.Ledger.RecordPayment(ctx, models.PaymentRecord{
		TxHash:          result.TxHash,
		UserAddress:     result.Payer,
		MerchantAddress: requirements.PayTo,
		Network:         string(requirements.Network),
		AmountMicro:     amount,
		Category:        category,
		Service:         opts.Service,
		Metadata:        meta,
	})
	if err != nil {
		opts.Logger.Error().Err(err).
			Str("tx_hash", result.TxHash).
			Msg("ledger write failed after access granted")
		metrics.LedgerWriteFailures.Inc()
	} else {
		metrics.PaymentsRecorded.WithLabelValues(string(requirements.Network), string(category)).Inc()
	}
}

func buildAccepts(opts Options, r *http.Request) []x402.PaymentRequirements {
	resource := requestURL(r)
	var accepts []x402.PaymentRequirements
	for _, network := range opts.Networks {
		payTo := opts.PayTo(network)
		if payTo == "" {
			continue
		}
		req, err := opts.Builder.Build(opts.Price, network, resource, payTo, "")
		if err != nil {
			continue
		}
		if opts.Description != "" {
			req.Description = opts.Description
		}
		accepts = append(accepts, req)
	}
	return accepts
}

func matchRequirements(accepts []x402.PaymentRequirements, payload *x402.PaymentPayload) *x402.PaymentRequirements {
	for i := range accepts {
		if accepts[i].Network == payload.Network && accepts[i].Scheme == payload.Scheme {
			return &accepts[i]
		}
	}
	return nil
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	url := scheme + "://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

func writePaymentRequired(w http.ResponseWriter, reason string, accepts []x402.PaymentRequirements) {
	w.Header().Set(x402.RequiredHeader, "true")
	writeJSON(w, http.StatusPaymentRequired, x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
