package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas402/x402-engine/internal/x402"
)

// Result is a verification verdict. It never implies a ledger write; the
// caller decides what to do with a valid payment.
type Result struct {
	IsValid       bool
	InvalidReason x402.InvalidReason
	Payer         string
	TxHash        string
}

// Verifier decides whether a payment payload satisfies the requirements it
// was issued against. Implementations must bound their network calls with the
// request context plus their own timeout; a transport failure is returned as
// an error, which callers treat as verification_unavailable (denial, never
// silent success).
type Verifier interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*Result, error)
}

// Config selects the verification strategy once at startup. The strategy is
// never inferred from payload content.
type Config struct {
	Strategy       string
	FacilitatorURL string
	RPCURLBase     string
	RPCURLSolana   string
	Networks       x402.NetworkTable
	Timeout        time.Duration
}

// New builds the configured verifier. "facilitator" delegates every verdict;
// "direct" inspects the chain itself, routing EVM and Solana networks to
// their respective inspectors.
func New(cfg Config) (Verifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Strategy {
	case "facilitator":
		if cfg.FacilitatorURL == "" {
			return nil, fmt.Errorf("facilitator strategy requires a facilitator URL")
		}
		return NewFacilitator(cfg.FacilitatorURL, cfg.Timeout), nil
	case "direct":
		evm, err := NewDirectEVM(cfg.RPCURLBase, cfg.Networks, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return &Direct{
			EVM:    evm,
			Solana: NewDirectSolana(cfg.RPCURLSolana, cfg.Timeout),
		}, nil
	}
	return nil, fmt.Errorf("unknown verification strategy %q", cfg.Strategy)
}

// Direct routes a payment to the chain-family inspector matching the
// requirements' network. Requirements are server-built, so the route is a
// function of configuration, not of the payload.
type Direct struct {
	EVM    *DirectEVM
	Solana *DirectSolana
}

func (d *Direct) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	if payload.Scheme != requirements.Scheme {
		return &Result{InvalidReason: x402.ReasonSchemeMismatch}, nil
	}
	if payload.Network != requirements.Network {
		return &Result{InvalidReason: x402.ReasonNetworkMismatch}, nil
	}
	if requirements.Network.IsEVM() {
		return d.EVM.Verify(ctx, payload, requirements)
	}
	return d.Solana.Verify(ctx, payload, requirements)
}
