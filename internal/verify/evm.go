package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atlas402/x402-engine/internal/authz"
	"github.com/atlas402/x402-engine/internal/x402"
)

// EthClient is the slice of the go-ethereum client the verifier needs.
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialEthClient is swapped out in tests.
var DialEthClient = func(rpcURL string) (EthClient, error) {
	return ethclient.Dial(rpcURL)
}

// erc20TransferSelector is the first four bytes of keccak256("transfer(address,uint256)").
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// DirectEVM verifies payments against an EVM chain without a facilitator.
// Signed authorizations are checked locally (EIP-712 recovery plus a balance
// probe); submitted transactions are fetched and their transfer calldata
// inspected.
type DirectEVM struct {
	client   EthClient
	networks x402.NetworkTable
	timeout  time.Duration
}

func NewDirectEVM(rpcURL string, networks x402.NetworkTable, timeout time.Duration) (*DirectEVM, error) {
	if rpcURL == "" {
		return nil, errors.New("direct strategy requires an EVM RPC URL")
	}
	client, err := DialEthClient(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &DirectEVM{client: client, networks: networks, timeout: timeout}, nil
}

func (v *DirectEVM) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if exact, ok := payload.ExactPayload(); ok {
		return v.verifyAuthorization(ctx, exact, requirements)
	}
	if tp, ok := payload.TransferPayload(); ok {
		return v.verifyTransfer(ctx, tp, requirements)
	}
	return &Result{InvalidReason: x402.ReasonMalformedPayload}, nil
}

// verifyAuthorization checks a signed EIP-3009 authorization without touching
// the chain except for a balance probe. Every gate yields a distinct denial
// reason so clients can tell a stale window from a bad signature.
func (v *DirectEVM) verifyAuthorization(ctx context.Context, exact *x402.ExactPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	auth := exact.Authorization
	now := time.Now().Unix()

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return &Result{InvalidReason: x402.ReasonInvalidTimeWindow}, nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return &Result{InvalidReason: x402.ReasonInvalidTimeWindow}, nil
	}
	if now < validAfter {
		return &Result{InvalidReason: x402.ReasonAuthorizationNotYet}, nil
	}
	if now >= validBefore {
		return &Result{InvalidReason: x402.ReasonAuthorizationExpired}, nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() <= 0 {
		return &Result{InvalidReason: x402.ReasonInvalidValue}, nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return &Result{InvalidReason: x402.ReasonInvalidValue}, nil
	}
	if value.Cmp(required) < 0 {
		return &Result{InvalidReason: x402.ReasonAmountMismatch}, nil
	}
	if value.Cmp(required) > 0 {
		return &Result{InvalidReason: x402.ReasonValueExceeded}, nil
	}

	if !common.IsHexAddress(auth.From) {
		return &Result{InvalidReason: x402.ReasonInvalidFromAddress}, nil
	}
	if !common.IsHexAddress(auth.To) {
		return &Result{InvalidReason: x402.ReasonInvalidToAddress}, nil
	}
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return &Result{InvalidReason: x402.ReasonRecipientMismatch}, nil
	}

	if _, err := authz.DecodeNonce(auth.Nonce); err != nil {
		return &Result{InvalidReason: x402.ReasonInvalidNonce}, nil
	}

	token, ok := v.networks[requirements.Network]
	if !ok || token.Extra == nil {
		return nil, fmt.Errorf("no signing domain configured for network %s", requirements.Network)
	}
	digest, err := authz.Digest(auth, authz.Domain{
		Name:              token.Extra.Name,
		Version:           token.Extra.Version,
		ChainID:           token.ChainID,
		VerifyingContract: requirements.Asset,
	})
	if err != nil {
		return &Result{InvalidReason: x402.ReasonMalformedPayload}, nil
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(exact.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return &Result{InvalidReason: x402.ReasonInvalidSignature}, nil
	}
	// Normalize the recovery id: wallets emit 27/28, Ecrecover wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubkey, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return &Result{InvalidReason: x402.ReasonInvalidSignature}, nil
	}
	signer := common.BytesToAddress(crypto.Keccak256(pubkey[1:])[12:])
	if signer != common.HexToAddress(auth.From) {
		return &Result{InvalidReason: x402.ReasonSenderMismatch}, nil
	}

	balance, err := v.tokenBalance(ctx, requirements.Asset, auth.From)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return &Result{InvalidReason: x402.ReasonInsufficientFunds, Payer: auth.From}, nil
	}

	return &Result{IsValid: true, Payer: auth.From, TxHash: auth.Nonce}, nil
}

// verifyTransfer fetches a submitted transaction and checks that it is a
// mined, successful ERC-20 transfer of at least the required amount to the
// configured recipient on the configured token contract.
func (v *DirectEVM) verifyTransfer(ctx context.Context, tp *x402.TransferPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	hash := common.HexToHash(tp.TransactionHash)

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Result{InvalidReason: x402.ReasonTransactionNotFound, TxHash: tp.TransactionHash}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		// Retryable: the client can resubmit once the tx is mined.
		return &Result{InvalidReason: x402.ReasonTransactionNotFound, TxHash: tp.TransactionHash}, nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Result{InvalidReason: x402.ReasonTransactionNotFound, TxHash: tp.TransactionHash}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Result{InvalidReason: x402.ReasonTransactionFailed, TxHash: tp.TransactionHash}, nil
	}

	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), requirements.Asset) {
		return &Result{InvalidReason: x402.ReasonWrongContract, TxHash: tp.TransactionHash}, nil
	}

	recipient, amount, ok := decodeTransferCalldata(tx.Data())
	if !ok {
		return &Result{InvalidReason: x402.ReasonMalformedPayload, TxHash: tp.TransactionHash}, nil
	}
	if !strings.EqualFold(recipient.Hex(), requirements.PayTo) {
		return &Result{InvalidReason: x402.ReasonRecipientMismatch, TxHash: tp.TransactionHash}, nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount %q", requirements.MaxAmountRequired)
	}
	if amount.Cmp(required) < 0 {
		return &Result{InvalidReason: x402.ReasonAmountMismatch, TxHash: tp.TransactionHash}, nil
	}

	payer := ""
	token := v.networks[requirements.Network]
	if token.ChainID != 0 {
		if from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(token.ChainID)), tx); err == nil {
			payer = from.Hex()
		}
	}

	return &Result{IsValid: true, Payer: payer, TxHash: tp.TransactionHash}, nil
}

func (v *DirectEVM) tokenBalance(ctx context.Context, asset, holder string) (*big.Int, error) {
	contract := common.HexToAddress(asset)
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(holder).Bytes(), 32)...)

	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// decodeTransferCalldata extracts recipient and amount from ERC-20
// transfer(address,uint256) calldata.
func decodeTransferCalldata(data []byte) (common.Address, *big.Int, bool) {
	if len(data) < 68 {
		return common.Address{}, nil, false
	}
	for i, b := range erc20TransferSelector {
		if data[i] != b {
			return common.Address{}, nil, false
		}
	}
	recipient := common.BytesToAddress(data[4+12 : 36])
	amount := new(big.Int).SetBytes(data[36:68])
	return recipient, amount, true
}
