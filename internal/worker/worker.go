package worker

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/models"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/x402"
)

// Worker re-checks EVM transfer payments that were admitted at head depth.
// A payment stays unconfirmed until its transaction is still present after
// the sweep; one dropped by a reorg is marked failed so operators can
// reconcile. The websocket trigger makes sweeps follow new blocks; the
// ticker is the fallback when the socket is down.
type Worker struct {
	Ledger     ledger.Ledger
	Verifier   verify.Verifier
	Networks   x402.NetworkTable
	Interval   time.Duration
	WSEndpoint string
	BatchSize  int
	Logger     zerolog.Logger

	heads chan struct{}
}

func (w *Worker) Run(ctx context.Context) {
	w.heads = make(chan struct{}, 1)
	go w.RunWS(ctx)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.Logger.Error().Err(err).Msg("confirmation sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.heads:
		}
	}
}

// SyncOnce re-verifies every unconfirmed payment once.
func (w *Worker) SyncOnce(ctx context.Context) error {
	pending, err := w.Ledger.ListUnconfirmedPayments(ctx, w.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	w.Logger.Info().Int("pending", len(pending)).Msg("confirmation sweep")

	for _, rec := range pending {
		if !x402.Network(rec.Network).IsEVM() {
			continue
		}
		if err := w.confirmPayment(ctx, rec); err != nil {
			w.Logger.Error().Err(err).Str("tx_hash", rec.TxHash).Msg("confirm payment failed")
		}
	}
	return nil
}

func (w *Worker) confirmPayment(ctx context.Context, rec *models.PaymentRecord) error {
	payload, requirements, err := w.reconstruct(rec)
	if err != nil {
		return err
	}

	result, err := w.Verifier.Verify(ctx, payload, requirements)
	if err != nil {
		// Chain unreachable: leave the record for the next sweep.
		return err
	}

	// The record stays the ledger's; verdicts go on a fresh map.
	meta := maps.Clone(rec.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	switch {
	case result.IsValid:
		meta["confirmed"] = true
	case result.InvalidReason == x402.ReasonTransactionNotFound:
		// Could be a slow node; only give up after the record has aged out.
		if time.Since(rec.CreatedAt) < time.Hour {
			return nil
		}
		meta["confirmed"] = true
		meta["failed"] = true
		meta["failure_reason"] = string(result.InvalidReason)
	default:
		meta["confirmed"] = true
		meta["failed"] = true
		meta["failure_reason"] = string(result.InvalidReason)
	}

	update := *rec
	update.Metadata = meta
	_, err = w.Ledger.RecordPayment(ctx, update)
	if err == nil {
		event := w.Logger.Info()
		if failed, _ := meta["failed"].(bool); failed {
			event = w.Logger.Warn()
		}
		event.Str("tx_hash", rec.TxHash).Interface("meta", meta).Msg("payment sweep verdict")
	}
	return err
}

// reconstruct rebuilds the payload and requirements the payment was
// originally verified against, from the ledger record alone.
func (w *Worker) reconstruct(rec *models.PaymentRecord) (*x402.PaymentPayload, *x402.PaymentRequirements, error) {
	network := x402.Network(rec.Network)
	token, ok := w.Networks[network]
	if !ok {
		return nil, nil, x402.ErrUnsupportedNetwork
	}

	inner, err := json.Marshal(x402.TransferPayload{TransactionHash: rec.TxHash})
	if err != nil {
		return nil, nil, err
	}

	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      token.Scheme,
		Network:     network,
		Payload:     inner,
	}
	requirements := &x402.PaymentRequirements{
		Scheme:            token.Scheme,
		Network:           network,
		MaxAmountRequired: strconv.FormatInt(rec.AmountMicro, 10),
		PayTo:             rec.MerchantAddress,
		Asset:             token.Asset,
		Extra:             token.Extra,
	}
	return payload, requirements, nil
}
