package authz

import (
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas402/x402-engine/internal/x402"
)

var testDomain = Domain{
	Name:              "USD Coin",
	Version:           "2",
	ChainID:           8453,
	VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
}

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeEIP712,
		Network:           x402.NetworkBase,
		MaxAmountRequired: "1000000",
		PayTo:             "0x1111111111111111111111111111111111111111",
		Asset:             testDomain.VerifyingContract,
		Extra:             &x402.Extra{Name: testDomain.Name, Version: testDomain.Version},
	}
}

func TestBuildAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := PrivateKeySigner{Key: key}

	now := time.Now()
	exact, err := Build(signer, testRequirements(), testDomain, now)
	require.NoError(t, err)

	auth := exact.Authorization
	assert.Equal(t, signer.Address().Hex(), auth.From)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111").Hex(), auth.To)
	assert.Equal(t, "1000000", auth.Value)

	assert.Equal(t, strconv.FormatInt(now.Unix(), 10), auth.ValidAfter)
	assert.Equal(t, strconv.FormatInt(now.Add(time.Hour).Unix(), 10), auth.ValidBefore)

	nonce, err := DecodeNonce(auth.Nonce)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, nonce)

	// The signature must recover to the signer over the same digest.
	digest, err := Digest(auth, testDomain)
	require.NoError(t, err)

	sig, err := hex.DecodeString(strings.TrimPrefix(exact.Signature, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.GreaterOrEqual(t, sig[64], byte(27))
	sig[64] -= 27

	pubkey, err := crypto.Ecrecover(digest, sig)
	require.NoError(t, err)
	recovered := common.BytesToAddress(crypto.Keccak256(pubkey[1:])[12:])
	assert.Equal(t, signer.Address(), recovered)
}

func TestBuildUniqueNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := PrivateKeySigner{Key: key}

	a, err := Build(signer, testRequirements(), testDomain, time.Now())
	require.NoError(t, err)
	b, err := Build(signer, testRequirements(), testDomain, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, a.Authorization.Nonce, b.Authorization.Nonce)
}

func TestBuildRejectsBadAmount(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	req := testRequirements()
	req.MaxAmountRequired = "zero"
	_, err = Build(PrivateKeySigner{Key: key}, req, testDomain, time.Now())
	assert.Error(t, err)

	req.MaxAmountRequired = "0"
	_, err = Build(PrivateKeySigner{Key: key}, req, testDomain, time.Now())
	assert.Error(t, err)
}

type decliningSigner struct{ addr common.Address }

func (s decliningSigner) SignDigest([]byte) ([]byte, error) { return nil, ErrAuthorizationDeclined }
func (s decliningSigner) Address() common.Address           { return s.addr }

func TestBuildSurfacesDecline(t *testing.T) {
	_, err := Build(decliningSigner{}, testRequirements(), testDomain, time.Now())
	assert.ErrorIs(t, err, ErrAuthorizationDeclined)
}

func TestDigestChangesWithDomain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	exact, err := Build(PrivateKeySigner{Key: key}, testRequirements(), testDomain, time.Now())
	require.NoError(t, err)

	a, err := Digest(exact.Authorization, testDomain)
	require.NoError(t, err)

	other := testDomain
	other.ChainID = 84532
	b, err := Digest(exact.Authorization, other)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecodeNonce(t *testing.T) {
	_, err := DecodeNonce("0x" + strings.Repeat("ab", 32))
	assert.NoError(t, err)

	_, err = DecodeNonce("0x" + strings.Repeat("ab", 16))
	assert.Error(t, err)

	_, err = DecodeNonce("0xzz")
	assert.Error(t, err)
}

func TestTransferCalldata(t *testing.T) {
	data, err := TransferCalldata("0x1111111111111111111111111111111111111111", 1_000_000)
	require.NoError(t, err)
	require.Len(t, data, 68)

	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), common.BytesToAddress(data[4:36]))
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000f4240", hex.EncodeToString(data[36:68]))

	_, err = TransferCalldata("not-an-address", 1)
	assert.Error(t, err)
	_, err = TransferCalldata("0x1111111111111111111111111111111111111111", 0)
	assert.Error(t, err)
}
