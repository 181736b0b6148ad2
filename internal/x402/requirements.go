package x402

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPrice       = errors.New("price must resolve to a positive amount")
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

// Token describes the payment token and scheme for one network. The table is
// built once at startup and treated as immutable afterwards.
type Token struct {
	Asset    string
	Scheme   Scheme
	ChainID  int64
	Extra    *Extra
	Decimals int
}

// NetworkTable maps networks to their payment token. Construct with
// DefaultNetworkTable or from config; never mutate after construction.
type NetworkTable map[Network]Token

// DefaultNetworkTable covers USDC on the networks the platform settles on.
// The EIP-712 extra carries the USDC contract's actual signing domain
// ("USD Coin" version "2"), which differs from the token's display symbol.
func DefaultNetworkTable() NetworkTable {
	return NetworkTable{
		NetworkBase: {
			Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Scheme:  SchemeEIP712,
			ChainID: 8453,
			Extra:   &Extra{Name: "USD Coin", Version: "2"},
		},
		NetworkBaseSepolia: {
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Scheme:  SchemeEIP712,
			ChainID: 84532,
			Extra:   &Extra{Name: "USDC", Version: "2"},
		},
		NetworkSolanaMainnet: {
			Asset:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Scheme: SchemeSolana,
		},
		NetworkSolanaDevnet: {
			Asset:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Scheme: SchemeSolana,
		},
	}
}

// Builder produces per-request PaymentRequirements. It holds no mutable state
// and is safe for concurrent use.
type Builder struct {
	Networks NetworkTable
	Timeout  time.Duration
}

// Build converts a decimal USD price ("$1.00" or "1.00") into requirements
// for the given network. assetOverride substitutes the token contract when
// non-empty (custom-token services).
func (b Builder) Build(price string, network Network, resource, payTo, assetOverride string) (PaymentRequirements, error) {
	micro, err := ParsePriceMicro(price)
	if err != nil {
		return PaymentRequirements{}, err
	}

	token, ok := b.Networks[network]
	if !ok {
		return PaymentRequirements{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	asset := token.Asset
	if assetOverride != "" {
		asset = assetOverride
	}

	timeout := int64(b.Timeout / time.Second)
	if timeout <= 0 {
		timeout = 3600
	}

	return PaymentRequirements{
		Scheme:            token.Scheme,
		Network:           network,
		MaxAmountRequired: strconv.FormatInt(micro, 10),
		Resource:          resource,
		Description:       fmt.Sprintf("Payment required for %s", resource),
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: timeout,
		Asset:             asset,
		Extra:             token.Extra,
	}, nil
}

// ParsePriceMicro converts a decimal price string to integer micro-units
// (1 USDC = 1,000,000). A leading currency symbol is tolerated.
func ParsePriceMicro(price string) (int64, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	if s == "" {
		return 0, ErrInvalidPrice
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidPrice
	}
	micro := int64(math.Round(f * 1_000_000))
	if micro <= 0 {
		return 0, ErrInvalidPrice
	}
	return micro, nil
}
