package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PaymentHeader is the request header carrying the base64-encoded payload.
const PaymentHeader = "x-payment"

// RequiredHeader echoes the accepted requirements on 402 responses so agents
// can read them without parsing the body.
const RequiredHeader = "x-payment-required"

// EncodePaymentHeader serializes a payload for the x-payment header.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader parses an x-payment header value. Any decoding failure
// maps to the malformed_payload denial.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse payment payload: %w", err)
	}
	if p.X402Version != X402Version {
		return nil, fmt.Errorf("unsupported x402 version %d", p.X402Version)
	}
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	return &p, nil
}
