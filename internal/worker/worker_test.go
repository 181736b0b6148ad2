package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/models"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/x402"
)

type stubVerifier struct {
	result *verify.Result
	err    error
	calls  int

	lastPayload      *x402.PaymentPayload
	lastRequirements *x402.PaymentRequirements
}

func (s *stubVerifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*verify.Result, error) {
	s.calls++
	s.lastPayload = payload
	s.lastRequirements = requirements
	return s.result, s.err
}

func newTestWorker(store ledger.Ledger, v verify.Verifier) *Worker {
	return &Worker{
		Ledger:   store,
		Verifier: v,
		Networks: x402.DefaultNetworkTable(),
		Interval: time.Second,
		Logger:   zerolog.Nop(),
	}
}

func seedUnconfirmed(t *testing.T, store ledger.Ledger, txHash string, createdAt time.Time) {
	t.Helper()
	_, err := store.RecordPayment(context.Background(), models.PaymentRecord{
		TxHash:          txHash,
		UserAddress:     "0xpayer",
		MerchantAddress: "0x1111111111111111111111111111111111111111",
		Network:         "base",
		AmountMicro:     1_000_000,
		Category:        models.CategoryAccess,
		Metadata:        map[string]any{"confirmed": false},
		CreatedAt:       createdAt,
	})
	require.NoError(t, err)
}

func TestSweepConfirmsValidPayment(t *testing.T) {
	store := ledger.NewMemory()
	stub := &stubVerifier{result: &verify.Result{IsValid: true, TxHash: "0xabc"}}
	seedUnconfirmed(t, store, "0xabc", time.Now())

	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	assert.Equal(t, 1, stub.calls)
	require.NotNil(t, stub.lastRequirements)
	assert.Equal(t, "1000000", stub.lastRequirements.MaxAmountRequired)
	assert.Equal(t, x402.NetworkBase, stub.lastRequirements.Network)

	tp, ok := stub.lastPayload.TransferPayload()
	require.True(t, ok)
	assert.Equal(t, "0xabc", tp.TransactionHash)

	pending, err := store.ListUnconfirmedPayments(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := store.ListPayments(context.Background(), ledger.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, true, all[0].Metadata["confirmed"])
	assert.NotContains(t, all[0].Metadata, "failed")
}

func TestSweepMarksRevertedPaymentFailed(t *testing.T) {
	store := ledger.NewMemory()
	stub := &stubVerifier{result: &verify.Result{InvalidReason: x402.ReasonTransactionFailed}}
	seedUnconfirmed(t, store, "0xabc", time.Now())

	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	all, err := store.ListPayments(context.Background(), ledger.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, true, all[0].Metadata["failed"])
	assert.Equal(t, string(x402.ReasonTransactionFailed), all[0].Metadata["failure_reason"])
}

func TestSweepLeavesYoungMissingTransaction(t *testing.T) {
	store := ledger.NewMemory()
	stub := &stubVerifier{result: &verify.Result{InvalidReason: x402.ReasonTransactionNotFound}}
	seedUnconfirmed(t, store, "0xabc", time.Now())

	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	// Still unconfirmed: the node may simply be behind.
	pending, err := store.ListUnconfirmedPayments(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSweepGivesUpOnAgedMissingTransaction(t *testing.T) {
	store := ledger.NewMemory()
	stub := &stubVerifier{result: &verify.Result{InvalidReason: x402.ReasonTransactionNotFound}}
	seedUnconfirmed(t, store, "0xabc", time.Now().Add(-2*time.Hour))

	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	all, err := store.ListPayments(context.Background(), ledger.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, true, all[0].Metadata["failed"])
}

func TestSweepSkipsNonEVMRecords(t *testing.T) {
	store := ledger.NewMemory()
	_, err := store.RecordPayment(context.Background(), models.PaymentRecord{
		TxHash:      "solSig",
		Network:     "solana-mainnet",
		AmountMicro: 1_000_000,
		Metadata:    map[string]any{"confirmed": false},
	})
	require.NoError(t, err)

	stub := &stubVerifier{result: &verify.Result{IsValid: true}}
	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	assert.Zero(t, stub.calls)
}

func TestSweepLeavesRecordOnVerifierError(t *testing.T) {
	store := ledger.NewMemory()
	stub := &stubVerifier{err: context.DeadlineExceeded}
	seedUnconfirmed(t, store, "0xabc", time.Now())

	w := newTestWorker(store, stub)
	require.NoError(t, w.SyncOnce(context.Background()))

	pending, err := store.ListUnconfirmedPayments(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
