package x402

import "encoding/json"

// X402Version is the protocol version carried in every payload and 402 body.
const X402Version = 1

// Scheme identifies how a payment is proven. All schemes are "exact amount,
// exact recipient" semantically; the wire names differ per chain family.
type Scheme string

const (
	SchemeExact  Scheme = "exact"
	SchemeEIP712 Scheme = "x402+eip712"
	SchemeSolana Scheme = "x402+solana"
)

// Network identifies the settlement chain.
type Network string

const (
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia"
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet"
)

// IsEVM reports whether the network settles on an EVM chain.
func (n Network) IsEVM() bool {
	return n == NetworkBase || n == NetworkBaseSepolia
}

// InvalidReason explains a Denied verdict. Values are wire-stable strings
// surfaced verbatim in 402 responses.
type InvalidReason string

const (
	ReasonMalformedPayload        InvalidReason = "malformed_payload"
	ReasonTransactionNotFound     InvalidReason = "transaction_not_found"
	ReasonTransactionFailed       InvalidReason = "transaction_failed"
	ReasonWrongContract           InvalidReason = "wrong_contract"
	ReasonRecipientMismatch       InvalidReason = "recipient_mismatch"
	ReasonAmountMismatch          InvalidReason = "amount_mismatch"
	ReasonVerificationUnavailable InvalidReason = "verification_unavailable"
	ReasonSchemeMismatch          InvalidReason = "invalid_scheme_mismatch"
	ReasonNetworkMismatch         InvalidReason = "invalid_network_mismatch"
	ReasonInvalidTimeWindow       InvalidReason = "invalid_authorization_time_window"
	ReasonAuthorizationNotYet     InvalidReason = "invalid_authorization_valid_after"
	ReasonAuthorizationExpired    InvalidReason = "invalid_authorization_valid_before"
	ReasonInvalidValue            InvalidReason = "invalid_authorization_value"
	ReasonValueExceeded           InvalidReason = "invalid_authorization_value_exceeded"
	ReasonInvalidFromAddress      InvalidReason = "invalid_authorization_from_address"
	ReasonInvalidToAddress        InvalidReason = "invalid_authorization_to_address"
	ReasonInvalidNonce            InvalidReason = "invalid_authorization_nonce"
	ReasonInvalidSignature        InvalidReason = "invalid_authorization_signature"
	ReasonSenderMismatch          InvalidReason = "invalid_authorization_sender_mismatch"
	ReasonInsufficientFunds       InvalidReason = "insufficient_funds"
)

// PaymentRequirements advertises what a protected resource costs. It is
// regenerated per request and never persisted; only the eventual payment is.
type PaymentRequirements struct {
	Scheme            Scheme  `json:"scheme"`
	Network           Network `json:"network"`
	MaxAmountRequired string  `json:"maxAmountRequired"`
	Resource          string  `json:"resource"`
	Description       string  `json:"description"`
	MimeType          string  `json:"mimeType"`
	PayTo             string  `json:"payTo"`
	MaxTimeoutSeconds int64   `json:"maxTimeoutSeconds"`
	Asset             string  `json:"asset"`
	Extra             *Extra  `json:"extra,omitempty"`
}

// Extra carries the token contract's EIP-712 signing domain. Name and Version
// must match what the contract itself hashes into its domain separator, not
// display metadata; a mismatch yields signatures the contract rejects.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequiredResponse is the HTTP 402 body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the decoded x-payment header. Payload holds either an
// ExactPayload (signed authorization) or a TransferPayload (submitted tx),
// decoded lazily by the verifier for the selected scheme.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// ExactPayload is the gas-less EIP-3009 proof: a signature over the typed
// authorization below.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors the EIP-3009 TransferWithAuthorization message.
// Numeric fields are decimal strings; verifiers compare these encodings
// byte-for-byte, so formatting is part of the contract.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// TransferPayload is the direct-transfer proof: a transaction hash the
// verifier inspects on-chain.
type TransferPayload struct {
	TransactionHash string `json:"transactionHash"`
}

// ExactPayload decodes the inner payload as a signed authorization.
func (p *PaymentPayload) ExactPayload() (*ExactPayload, bool) {
	var exact ExactPayload
	if err := json.Unmarshal(p.Payload, &exact); err != nil {
		return nil, false
	}
	if exact.Signature == "" || exact.Authorization.From == "" {
		return nil, false
	}
	return &exact, true
}

// TransferPayload decodes the inner payload as a transaction reference.
func (p *PaymentPayload) TransferPayload() (*TransferPayload, bool) {
	var tp TransferPayload
	if err := json.Unmarshal(p.Payload, &tp); err != nil {
		return nil, false
	}
	if tp.TransactionHash == "" {
		return nil, false
	}
	return &tp, true
}
