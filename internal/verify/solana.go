package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/atlas402/x402-engine/internal/x402"
)

// DirectSolana verifies payments by fetching the referenced transaction from
// a Solana RPC node and inspecting its token balance changes. A well-formed
// signature alone proves nothing; the transaction must exist, have succeeded,
// and have moved enough of the right token to the right owner.
type DirectSolana struct {
	rpcURL string
	client *http.Client
}

func NewDirectSolana(rpcURL string, timeout time.Duration) *DirectSolana {
	return &DirectSolana{
		rpcURL: rpcURL,
		client: &http.Client{Timeout: timeout},
	}
}

type solanaRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type solanaRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type solanaRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *solanaRPCError `json:"error"`
}

type solanaTransaction struct {
	Meta *struct {
		Err               any                  `json:"err"`
		PreTokenBalances  []solanaTokenBalance `json:"preTokenBalances"`
		PostTokenBalances []solanaTokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
				Signer bool   `json:"signer"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

type solanaTokenBalance struct {
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

func (v *DirectSolana) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*Result, error) {
	tp, ok := payload.TransferPayload()
	if !ok {
		return &Result{InvalidReason: x402.ReasonMalformedPayload}, nil
	}

	// Solana transaction signatures are 64 bytes base58; recipient and mint
	// addresses are 32 bytes. Reject garbage before spending an RPC call.
	if len(base58.Decode(tp.TransactionHash)) != 64 {
		return &Result{InvalidReason: x402.ReasonMalformedPayload}, nil
	}
	if len(base58.Decode(requirements.PayTo)) != 32 {
		return nil, fmt.Errorf("invalid solana pay-to address %q", requirements.PayTo)
	}

	var tx *solanaTransaction
	if err := v.rpcCall(ctx, "getTransaction", []any{
		tp.TransactionHash,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &tx); err != nil {
		return nil, err
	}
	if tx == nil || tx.Meta == nil {
		return &Result{InvalidReason: x402.ReasonTransactionNotFound, TxHash: tp.TransactionHash}, nil
	}
	if tx.Meta.Err != nil {
		return &Result{InvalidReason: x402.ReasonTransactionFailed, TxHash: tp.TransactionHash}, nil
	}

	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount %q", requirements.MaxAmountRequired)
	}

	received := tokenDelta(tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances, requirements.Asset, requirements.PayTo)
	if received == nil {
		return &Result{InvalidReason: x402.ReasonRecipientMismatch, TxHash: tp.TransactionHash}, nil
	}
	if received.Cmp(required) < 0 {
		return &Result{InvalidReason: x402.ReasonAmountMismatch, TxHash: tp.TransactionHash}, nil
	}

	payer := ""
	for _, key := range tx.Transaction.Message.AccountKeys {
		if key.Signer {
			payer = key.Pubkey
			break
		}
	}

	return &Result{IsValid: true, Payer: payer, TxHash: tp.TransactionHash}, nil
}

// tokenDelta returns how much of mint the owner gained in the transaction,
// or nil if the owner holds no post-balance of that mint at all.
func tokenDelta(pre, post []solanaTokenBalance, mint, owner string) *big.Int {
	find := func(balances []solanaTokenBalance) *big.Int {
		for _, b := range balances {
			if b.Mint == mint && b.Owner == owner {
				if amt, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10); ok {
					return amt
				}
			}
		}
		return nil
	}

	after := find(post)
	if after == nil {
		return nil
	}
	before := find(pre)
	if before == nil {
		before = big.NewInt(0)
	}
	return new(big.Int).Sub(after, before)
}

func (v *DirectSolana) rpcCall(ctx context.Context, method string, params []any, out any) error {
	raw, err := json.Marshal(solanaRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.rpcURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("solana rpc unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("solana rpc status %d: %s", resp.StatusCode, msg)
	}

	var rpcResp solanaRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode solana rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("solana rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
