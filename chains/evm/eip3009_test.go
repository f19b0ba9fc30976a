package evm

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openx402/facilitator/types"
)

func validWirePayload() *types.EVMPayload {
	return &types.EVMPayload{
		Signature: "0x" + hex.EncodeToString(make([]byte, 65)),
		Authorization: types.EVMAuthorization{
			From:        payToAddress,
			To:          tokenAddress,
			Value:       "10000",
			ValidAfter:  "0",
			ValidBefore: "99999999999",
			Nonce:       "0x" + hex.EncodeToString(make([]byte, 32)),
		},
	}
}

func TestParseAuthorization(t *testing.T) {
	auth, err := parseAuthorization(validWirePayload())
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(payToAddress), auth.From)
	assert.Equal(t, big.NewInt(10000), auth.Value)
	assert.Len(t, auth.Signature, 65)
}

func TestParseAuthorizationRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.EVMPayload)
	}{
		{"bad from address", func(p *types.EVMPayload) { p.Authorization.From = "not-an-address" }},
		{"bad to address", func(p *types.EVMPayload) { p.Authorization.To = "0x123" }},
		{"non-numeric value", func(p *types.EVMPayload) { p.Authorization.Value = "ten" }},
		{"negative value", func(p *types.EVMPayload) { p.Authorization.Value = "-1" }},
		{"non-numeric validAfter", func(p *types.EVMPayload) { p.Authorization.ValidAfter = "" }},
		{"non-numeric validBefore", func(p *types.EVMPayload) { p.Authorization.ValidBefore = "soon" }},
		{"short nonce", func(p *types.EVMPayload) { p.Authorization.Nonce = "0xdead" }},
		{"non-hex signature", func(p *types.EVMPayload) { p.Signature = "0xzz" }},
		{"short signature", func(p *types.EVMPayload) { p.Signature = "0xdeadbeef" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validWirePayload()
			tc.mutate(p)
			_, err := parseAuthorization(p)
			assert.Error(t, err)
		})
	}
}

func TestDigestSignRecoverRoundtrip(t *testing.T) {
	key := payerKey(t)
	auth, err := parseAuthorization(validWirePayload())
	require.NoError(t, err)

	digest, err := typedDataDigest(auth, big.NewInt(84532), auth.To, "USDC", "2")
	require.NoError(t, err)
	require.Len(t, digest, 32)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	// Recovery accepts both v conventions.
	recovered, err := recoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), recovered)

	sig[64] += 27
	recovered, err = recoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), recovered)
}

func TestDigestDependsOnDomain(t *testing.T) {
	auth, err := parseAuthorization(validWirePayload())
	require.NoError(t, err)

	base, err := typedDataDigest(auth, big.NewInt(84532), auth.To, "USDC", "2")
	require.NoError(t, err)
	otherChain, err := typedDataDigest(auth, big.NewInt(8453), auth.To, "USDC", "2")
	require.NoError(t, err)
	otherName, err := typedDataDigest(auth, big.NewInt(84532), auth.To, "USD Coin", "2")
	require.NoError(t, err)

	assert.NotEqual(t, base, otherChain)
	assert.NotEqual(t, base, otherName)
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0xaa
	sig[32] = 0xbb
	sig[64] = 1

	v, r, s := splitSignature(sig)
	assert.Equal(t, uint8(28), v)
	assert.Equal(t, byte(0xaa), r[0])
	assert.Equal(t, byte(0xbb), s[0])

	sig[64] = 27
	v, _, _ = splitSignature(sig)
	assert.Equal(t, uint8(27), v)
}

func TestDomainParams(t *testing.T) {
	name, version := domainParams(nil)
	assert.Equal(t, "USD Coin", name)
	assert.Equal(t, "2", version)

	name, version = domainParams(map[string]any{"name": "USDC", "version": "1"})
	assert.Equal(t, "USDC", name)
	assert.Equal(t, "1", version)

	name, version = domainParams(map[string]any{"name": ""})
	assert.Equal(t, "USD Coin", name)
	assert.Equal(t, "2", version)
}
