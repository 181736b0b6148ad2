package authz

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/atlas402/x402-engine/internal/x402"
)

// ErrAuthorizationDeclined is returned when the signer refuses to sign. It is
// a recoverable condition: the client may prompt again and retry.
var ErrAuthorizationDeclined = errors.New("authorization declined by signer")

// Domain is the EIP-712 signing domain of the payment token contract. Name
// and Version must match what the contract hashes into its own domain
// separator; a mismatch produces signatures the contract silently rejects.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// Signer produces an ECDSA signature over a 32-byte digest.
type Signer interface {
	SignDigest(digest []byte) ([]byte, error)
	Address() common.Address
}

// PrivateKeySigner signs with an in-process key. Wallet-backed signers
// implement the same interface and surface user rejection as
// ErrAuthorizationDeclined.
type PrivateKeySigner struct {
	Key *ecdsa.PrivateKey
}

func (s PrivateKeySigner) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.Key)
}

func (s PrivateKeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.Key.PublicKey)
}

// Build constructs and signs an EIP-3009 transfer authorization for the given
// requirements. Addresses are checksummed and numeric fields rendered as
// decimal strings; verifiers compare these encodings byte-for-byte.
func Build(signer Signer, requirements *x402.PaymentRequirements, domain Domain, now time.Time) (*x402.ExactPayload, error) {
	value, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", requirements.MaxAmountRequired)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	validAfter := now.Unix()
	validBefore := now.Add(time.Hour).Unix()

	auth := x402.Authorization{
		From:        signer.Address().Hex(),
		To:          common.HexToAddress(requirements.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}

	digest, err := Digest(auth, domain)
	if err != nil {
		return nil, err
	}

	sig, err := signer.SignDigest(digest)
	if err != nil {
		if errors.Is(err, ErrAuthorizationDeclined) {
			return nil, err
		}
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}

	return &x402.ExactPayload{
		Signature:     "0x" + hex.EncodeToString(sig),
		Authorization: auth,
	}, nil
}

// Digest computes the EIP-712 digest of a transfer authorization:
// keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
func Digest(auth x402.Authorization, domain Domain) ([]byte, error) {
	typed, err := typedData(auth, domain)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := append(append([]byte("\x19\x01"), domainSeparator...), structHash...)
	return crypto.Keccak256(raw), nil
}

func typedData(auth x402.Authorization, domain Domain) (apitypes.TypedData, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid authorization value %q", auth.Value)
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonce, err := DecodeNonce(auth.Nonce)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	chainID := math.HexOrDecimal256(*big.NewInt(domain.ChainID))

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           &chainID,
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value,
			"validAfter":  big.NewInt(validAfter),
			"validBefore": big.NewInt(validBefore),
			"nonce":       nonce,
		},
	}, nil
}

var transferArgs = abi.Arguments{
	{Type: mustABIType("address")},
	{Type: mustABIType("uint256")},
}

func mustABIType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// TransferCalldata packs ERC-20 transfer(address,uint256) calldata for the
// direct-transfer payment path. The caller submits the transaction and wraps
// the resulting hash in a TransferPayload.
func TransferCalldata(to string, amountMicro int64) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid recipient address %q", to)
	}
	if amountMicro <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amountMicro)
	}
	packed, err := transferArgs.Pack(common.HexToAddress(to), big.NewInt(amountMicro))
	if err != nil {
		return nil, fmt.Errorf("pack transfer args: %w", err)
	}
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	return append(selector, packed...), nil
}

// DecodeNonce parses a 0x-prefixed hex nonce and enforces the 32-byte
// single-use replay key length.
func DecodeNonce(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
