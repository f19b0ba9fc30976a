package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkFamily(t *testing.T) {
	family, err := NetworkBaseSepolia.Family()
	require.NoError(t, err)
	assert.Equal(t, ChainEVM, family)

	family, err = NetworkSolanaMainnet.Family()
	require.NoError(t, err)
	assert.Equal(t, ChainSolana, family)

	_, err = Network("cosmos:cosmoshub-4").Family()
	assert.Error(t, err)
}

func TestNetworkEVMChainID(t *testing.T) {
	id, err := NetworkBase.EVMChainID()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id)

	_, err = NetworkSolanaDevnet.EVMChainID()
	assert.Error(t, err)

	_, err = Network("eip155:not-a-number").EVMChainID()
	assert.Error(t, err)
}

func TestNetworkValid(t *testing.T) {
	cases := map[Network]bool{
		NetworkBase:              true,
		NetworkPolygonAmoy:       true,
		NetworkSolanaMainnet:     true,
		Network("solana:devnet"): true,
		Network("eip155:abc"):    false,
		Network("eip155:"):       false,
		Network("base-sepolia"):  false,
		Network("cosmos:hub"):    false,
		Network(""):              false,
	}
	for network, want := range cases {
		assert.Equal(t, want, network.Valid(), "network %q", network)
	}
}

func TestValidateRequest(t *testing.T) {
	payload := PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Payload:     "ZGF0YQ==",
	}
	require.NoError(t, payload.Validate())

	missing := payload
	missing.Payload = ""
	assert.Error(t, missing.Validate())

	reqs := PaymentRequirements{
		Scheme:            "exact",
		Network:           "eip155:84532",
		MaxAmountRequired: "10000",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		MaxTimeoutSeconds: 60,
	}
	require.NoError(t, reqs.Validate())

	reqs.MaxTimeoutSeconds = 0
	assert.Error(t, reqs.Validate())
}

func TestInvalidWithPayer(t *testing.T) {
	result := Invalid(ReasonInsufficientFunds).WithPayer("0xabc")
	assert.False(t, result.IsValid)
	assert.Equal(t, ReasonInsufficientFunds, result.InvalidReason)
	assert.Equal(t, "0xabc", result.Payer)
}
