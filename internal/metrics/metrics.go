package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verifications counts verdicts by outcome: valid, invalid, or error
	// (transport failure, reported to clients as verification_unavailable).
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_verifications_total",
		Help: "Payment verification verdicts by outcome.",
	}, []string{"outcome", "network"})

	PaymentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_payments_recorded_total",
		Help: "Payments written to the ledger.",
	}, []string{"network", "category"})

	// LedgerWriteFailures tracks payments granted but not persisted. A
	// non-zero value means the ledger is missing rows that access was
	// already given for.
	LedgerWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_ledger_write_failures_total",
		Help: "Ledger writes that failed after access was granted.",
	})

	RequestsPaymentRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_payment_required_total",
		Help: "Requests answered with 402 Payment Required.",
	})
)
