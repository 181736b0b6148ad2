package verify

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas402/x402-engine/internal/authz"
	"github.com/atlas402/x402-engine/internal/x402"
)

const (
	testPayTo = "0x1111111111111111111111111111111111111111"
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type fakeEthClient struct {
	tx         *types.Transaction
	pending    bool
	txErr      error
	receipt    *types.Receipt
	receiptErr error
	balance    *big.Int
	callErr    error
}

func (f *fakeEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return f.tx, f.pending, f.txErr
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func newTestEVM(t *testing.T, fake *fakeEthClient) *DirectEVM {
	t.Helper()
	orig := DialEthClient
	DialEthClient = func(string) (EthClient, error) { return fake, nil }
	t.Cleanup(func() { DialEthClient = orig })

	v, err := NewDirectEVM("http://stub", x402.DefaultNetworkTable(), 5*time.Second)
	require.NoError(t, err)
	return v
}

func baseRequirements(amount string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeEIP712,
		Network:           x402.NetworkBase,
		MaxAmountRequired: amount,
		PayTo:             testPayTo,
		Asset:             baseUSDC,
		Extra:             &x402.Extra{Name: "USD Coin", Version: "2"},
	}
}

func exactPaymentPayload(t *testing.T, exact *x402.ExactPayload) *x402.PaymentPayload {
	t.Helper()
	inner, err := json.Marshal(exact)
	require.NoError(t, err)
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeEIP712,
		Network:     x402.NetworkBase,
		Payload:     inner,
	}
}

func signedAuthorization(t *testing.T, requirements *x402.PaymentRequirements, now time.Time) *x402.ExactPayload {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	exact, err := authz.Build(authz.PrivateKeySigner{Key: key}, requirements, authz.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           8453,
		VerifyingContract: baseUSDC,
	}, now)
	require.NoError(t, err)
	return exact
}

func TestVerifyAuthorizationValid(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, exact.Authorization.From, result.Payer)
	assert.Equal(t, exact.Authorization.Nonce, result.TxHash)
}

func TestVerifyAuthorizationExpired(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now().Add(-2*time.Hour))

	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonAuthorizationExpired, result.InvalidReason)
}

func TestVerifyAuthorizationNotYetValid(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now().Add(time.Hour))

	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonAuthorizationNotYet, result.InvalidReason)
}

func TestVerifyAuthorizationAmountTooLow(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	exact := signedAuthorization(t, baseRequirements("1000000"), time.Now())

	// The resource now demands more than the authorization grants.
	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), baseRequirements("2000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonAmountMismatch, result.InvalidReason)
}

func TestVerifyAuthorizationValueExceeded(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	exact := signedAuthorization(t, baseRequirements("1000000"), time.Now())

	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), baseRequirements("500000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonValueExceeded, result.InvalidReason)
}

func TestVerifyAuthorizationRecipientMismatch(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	other := baseRequirements("1000000")
	other.PayTo = "0x2222222222222222222222222222222222222222"
	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), other)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonRecipientMismatch, result.InvalidReason)
}

func TestVerifyAuthorizationTamperedNonce(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	// Changing any signed field invalidates the signature.
	exact.Authorization.Nonce = "0x" + strings.Repeat("ee", 32)
	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, []x402.InvalidReason{
		x402.ReasonSenderMismatch,
		x402.ReasonInvalidSignature,
	}, result.InvalidReason)
}

func TestVerifyAuthorizationBadSignatureEncoding(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(5_000_000)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	exact.Signature = "0xdeadbeef"
	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonInvalidSignature, result.InvalidReason)
}

func TestVerifyAuthorizationInsufficientFunds(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{balance: big.NewInt(100)})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	result, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonInsufficientFunds, result.InvalidReason)
}

func TestVerifyAuthorizationBalanceProbeFailure(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{callErr: context.DeadlineExceeded})
	req := baseRequirements("1000000")
	exact := signedAuthorization(t, req, time.Now())

	_, err := v.Verify(context.Background(), exactPaymentPayload(t, exact), req)
	assert.Error(t, err)
}

func transferCalldata(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func transferTx(to common.Address, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      60_000,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
}

func transferPaymentPayload(t *testing.T, hash string) *x402.PaymentPayload {
	t.Helper()
	inner, err := json.Marshal(x402.TransferPayload{TransactionHash: hash})
	require.NoError(t, err)
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeEIP712,
		Network:     x402.NetworkBase,
		Payload:     inner,
	}
}

func TestVerifyTransferValid(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), transferCalldata(common.HexToAddress(testPayTo), big.NewInt(1_000_000)))
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "0xabc", result.TxHash)
}

func TestVerifyTransferNotFound(t *testing.T) {
	v := newTestEVM(t, &fakeEthClient{txErr: ethereum.NotFound})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonTransactionNotFound, result.InvalidReason)
}

func TestVerifyTransferStillPending(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), transferCalldata(common.HexToAddress(testPayTo), big.NewInt(1_000_000)))
	v := newTestEVM(t, &fakeEthClient{tx: tx, pending: true})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonTransactionNotFound, result.InvalidReason)
}

func TestVerifyTransferReverted(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), transferCalldata(common.HexToAddress(testPayTo), big.NewInt(1_000_000)))
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonTransactionFailed, result.InvalidReason)
}

func TestVerifyTransferWrongContract(t *testing.T) {
	tx := transferTx(common.HexToAddress("0x9999999999999999999999999999999999999999"), transferCalldata(common.HexToAddress(testPayTo), big.NewInt(1_000_000)))
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonWrongContract, result.InvalidReason)
}

func TestVerifyTransferNotATransferCall(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), []byte{0x01, 0x02, 0x03})
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonMalformedPayload, result.InvalidReason)
}

func TestVerifyTransferRecipientMismatch(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), transferCalldata(common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(1_000_000)))
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonRecipientMismatch, result.InvalidReason)
}

func TestVerifyTransferAmountTooLow(t *testing.T) {
	tx := transferTx(common.HexToAddress(baseUSDC), transferCalldata(common.HexToAddress(testPayTo), big.NewInt(999_999)))
	v := newTestEVM(t, &fakeEthClient{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	})

	result, err := v.Verify(context.Background(), transferPaymentPayload(t, "0xabc"), baseRequirements("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, x402.ReasonAmountMismatch, result.InvalidReason)
}

func TestDirectRoutesSchemeAndNetworkMismatch(t *testing.T) {
	d := &Direct{}

	payload := transferPaymentPayload(t, "0xabc")
	payload.Scheme = x402.SchemeSolana
	result, err := d.Verify(context.Background(), payload, baseRequirements("1000000"))
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonSchemeMismatch, result.InvalidReason)

	payload = transferPaymentPayload(t, "0xabc")
	payload.Network = x402.NetworkBaseSepolia
	result, err = d.Verify(context.Background(), payload, baseRequirements("1000000"))
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonNetworkMismatch, result.InvalidReason)
}
