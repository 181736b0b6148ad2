package x402

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriceMicro(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "$1.00", want: 1_000_000},
		{in: "1.00", want: 1_000_000},
		{in: "$0.25", want: 250_000},
		{in: "$50.00", want: 50_000_000},
		{in: "0.0001", want: 100},
		{in: " $2.50 ", want: 2_500_000},
		{in: "$0.00", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "", wantErr: true},
		{in: "$", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePriceMicro(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestBuildRequirementsBase(t *testing.T) {
	b := Builder{Networks: DefaultNetworkTable(), Timeout: time.Hour}

	req, err := b.Build("$1.00", NetworkBase, "https://example.com/premium/article", "0xAbCd000000000000000000000000000000000001", "")
	require.NoError(t, err)

	assert.Equal(t, SchemeEIP712, req.Scheme)
	assert.Equal(t, NetworkBase, req.Network)
	assert.Equal(t, "1000000", req.MaxAmountRequired)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", req.Asset)
	assert.Equal(t, "0xAbCd000000000000000000000000000000000001", req.PayTo)
	assert.Equal(t, int64(3600), req.MaxTimeoutSeconds)
	require.NotNil(t, req.Extra)
	assert.Equal(t, "USD Coin", req.Extra.Name)
	assert.Equal(t, "2", req.Extra.Version)
}

func TestBuildRequirementsSolana(t *testing.T) {
	b := Builder{Networks: DefaultNetworkTable()}

	req, err := b.Build("$0.25", NetworkSolanaMainnet, "https://example.com/x402/payment/mint-fee", "So1anaRecipient11111111111111111111111111111", "")
	require.NoError(t, err)

	assert.Equal(t, SchemeSolana, req.Scheme)
	assert.Equal(t, "250000", req.MaxAmountRequired)
	assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", req.Asset)
	assert.Nil(t, req.Extra)
}

func TestBuildRequirementsAssetOverride(t *testing.T) {
	b := Builder{Networks: DefaultNetworkTable()}

	req, err := b.Build("$1.00", NetworkBase, "https://example.com/r", "0x1", "0xCustomToken")
	require.NoError(t, err)
	assert.Equal(t, "0xCustomToken", req.Asset)
}

func TestBuildRequirementsUnsupportedNetwork(t *testing.T) {
	b := Builder{Networks: DefaultNetworkTable()}

	_, err := b.Build("$1.00", Network("polygon"), "https://example.com/r", "0x1", "")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestBuildRequirementsInvalidPrice(t *testing.T) {
	b := Builder{Networks: DefaultNetworkTable()}

	_, err := b.Build("free", NetworkBase, "https://example.com/r", "0x1", "")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
