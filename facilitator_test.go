package facilitator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openx402/facilitator/config"
)

// Well-known Anvil development keys.
const (
	familyKeyHex   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	overrideKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	familyAddress   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	overrideAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

// Each chain's signing key comes from Config.SignerFor: a chain with its
// own key must settle under that key while its siblings keep the family
// one.
func TestNewResolvesSignersPerChain(t *testing.T) {
	f, err := New(&config.Config{
		Chains: map[string]config.ChainConfig{
			"eip155:84532": {
				RPC:           []string{"http://127.0.0.1:1"},
				Confirmations: 1,
			},
			"eip155:11155111": {
				RPC:           []string{"http://127.0.0.1:1"},
				Confirmations: 1,
				Signer:        overrideKeyHex,
			},
		},
		Signers: config.SignerConfig{EVM: familyKeyHex},
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	supported := f.Supported()
	assert.Equal(t, []string{familyAddress, overrideAddress}, supported.Signers["eip155"])
}

// A chain with neither an override nor a family key is skipped rather
// than registered without a signer.
func TestNewSkipsChainsWithoutAnyKey(t *testing.T) {
	f, err := New(&config.Config{
		Chains: map[string]config.ChainConfig{
			"eip155:84532": {
				RPC:           []string{"http://127.0.0.1:1"},
				Confirmations: 1,
			},
			"solana:devnet": {
				RPC:           []string{"http://127.0.0.1:1"},
				Confirmations: 1,
			},
		},
		Signers: config.SignerConfig{EVM: familyKeyHex},
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	supported := f.Supported()
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, "eip155:84532", supported.Kinds[0].Network)
	assert.NotContains(t, supported.Signers, "solana")
}
