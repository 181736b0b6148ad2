package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlas402/x402-engine/internal/x402"
)

// Facilitator delegates verification and settlement to an external
// facilitator service. Its verdict is trusted verbatim.
type Facilitator struct {
	baseURL string
	client  *http.Client
}

func NewFacilitator(baseURL string, timeout time.Duration) *Facilitator {
	return &Facilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type facilitatorRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentHeader       string                    `json:"paymentHeader"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

type facilitatorVerdict struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type facilitatorSettlement struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	ErrorReason string `json:"errorReason"`
}

func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		return nil, err
	}

	var verdict facilitatorVerdict
	if err := f.post(ctx, "/verify", facilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       header,
		PaymentRequirements: requirements,
	}, &verdict); err != nil {
		return nil, err
	}

	result := &Result{
		IsValid:       verdict.IsValid,
		InvalidReason: x402.InvalidReason(verdict.InvalidReason),
		Payer:         verdict.Payer,
	}
	if exact, ok := payload.ExactPayload(); ok {
		if result.Payer == "" {
			result.Payer = exact.Authorization.From
		}
		result.TxHash = exact.Authorization.Nonce
	} else if tp, ok := payload.TransferPayload(); ok {
		result.TxHash = tp.TransactionHash
	}
	return result, nil
}

// Settle asks the facilitator to execute a verified authorization on-chain.
// Returns the settlement transaction hash.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (string, error) {
	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		return "", err
	}

	var settlement facilitatorSettlement
	if err := f.post(ctx, "/settle", facilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       header,
		PaymentRequirements: requirements,
	}, &settlement); err != nil {
		return "", err
	}
	if !settlement.Success {
		return "", fmt.Errorf("settlement failed: %s", settlement.ErrorReason)
	}
	return settlement.Transaction, nil
}

func (f *Facilitator) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator http status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
