package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openx402/facilitator/types"
)

// Well-known Foundry/Anvil development key. Never funded on any mainnet.
const (
	testEVMKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testEVMAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testSolanaKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	wallet := solana.NewWallet()
	return wallet.PrivateKey
}

func TestNewVaultParsesKeys(t *testing.T) {
	solKey := testSolanaKey(t)
	vault, err := NewVault(testEVMKey, solKey.String())
	require.NoError(t, err)

	addr, err := vault.EVMAddress(types.NetworkBaseSepolia)
	require.NoError(t, err)
	assert.Equal(t, testEVMAddress, addr.Hex())

	pub, err := vault.SolanaAddress(types.NetworkSolanaDevnet)
	require.NoError(t, err)
	assert.Equal(t, solKey.PublicKey(), pub)
}

func TestNewVaultRejectsGarbage(t *testing.T) {
	_, err := NewVault("not-hex", "")
	assert.Error(t, err)

	_, err = NewVault("", "not-base58-!!!")
	assert.Error(t, err)
}

func TestUnconfiguredFamilyIsUnavailable(t *testing.T) {
	vault, err := NewVault(testEVMKey, "")
	require.NoError(t, err)

	assert.True(t, vault.HasSigner(types.NetworkBase))
	assert.False(t, vault.HasSigner(types.NetworkSolanaMainnet))

	_, err = vault.SolanaAddress(types.NetworkSolanaMainnet)
	assert.ErrorIs(t, err, ErrSignerUnavailable)

	err = vault.SerializeEVM(types.NetworkSolanaMainnet, func(_ common.Address) error { return nil })
	assert.Error(t, err)
}

func TestPerNetworkOverride(t *testing.T) {
	// Second Anvil development key.
	const otherKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	const otherAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	vault, err := NewVault(testEVMKey, "")
	require.NoError(t, err)
	require.NoError(t, vault.AddOverride(types.NetworkPolygon, otherKey))

	addr, err := vault.EVMAddress(types.NetworkPolygon)
	require.NoError(t, err)
	assert.Equal(t, otherAddress, addr.Hex())

	addr, err = vault.EVMAddress(types.NetworkBase)
	require.NoError(t, err)
	assert.Equal(t, testEVMAddress, addr.Hex())
}

func TestSignEVMTxBindsChainID(t *testing.T) {
	vault, err := NewVault(testEVMKey, "")
	require.NoError(t, err)

	unsigned := ethtypes.NewTransaction(0, common.Address{0x01}, big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := vault.SignEVMTx(types.NetworkBaseSepolia, big.NewInt(84532), unsigned)
	require.NoError(t, err)

	signer := ethtypes.LatestSignerForChainID(big.NewInt(84532))
	from, err := ethtypes.Sender(signer, signed)
	require.NoError(t, err)
	assert.Equal(t, testEVMAddress, from.Hex())
}

func TestPartialSignSolanaFillsFeePayerSlot(t *testing.T) {
	feePayer := testSolanaKey(t)
	payer := testSolanaKey(t)

	vault, err := NewVault("", feePayer.String())
	require.NoError(t, err)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
				{PublicKey: payer.PublicKey(), IsSigner: true, IsWritable: true},
			}, []byte("hi")),
		},
		solana.Hash{},
		solana.TransactionPayer(feePayer.PublicKey()),
	)
	require.NoError(t, err)

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, vault.PartialSignSolana(types.NetworkSolanaDevnet, tx))
	assert.NoError(t, tx.VerifySignatures())
}
