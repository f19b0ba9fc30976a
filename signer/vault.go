// Package signer implements the vault holding settlement signing keys.
//
// Key material is resolved once at startup from already-substituted
// configuration values and lives only in process memory: no public
// operation returns, logs, or serializes raw key bytes. The vault exposes
// signing operations only.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	facilitatortypes "github.com/openx402/facilitator/types"
)

// ErrSignerUnavailable is returned when no key is configured for the
// requested chain family or network. A settlement hitting it fails with
// reason "signer_unavailable"; it is a deployment misconfiguration, not a
// payer error.
var ErrSignerUnavailable = errors.New("signer: no key configured")

type evmKey struct {
	key     *ecdsa.PrivateKey
	address common.Address

	// mu serializes nonce-sensitive signing sections. EVM accounts need
	// strictly monotonic nonces per key; Solana has no such constraint.
	mu sync.Mutex
}

type solanaKey struct {
	key    solana.PrivateKey
	pubkey solana.PublicKey
}

// Vault resolves and holds signing keys per chain family, with optional
// per-network overrides. Immutable after construction; safe for concurrent
// use by any number of settlements.
type Vault struct {
	familyEVM    *evmKey
	familySolana *solanaKey

	evmOverrides    map[facilitatortypes.Network]*evmKey
	solanaOverrides map[facilitatortypes.Network]*solanaKey
}

// NewVault builds a vault from resolved family-wide key references.
// Either key may be empty; the corresponding family is then unavailable.
func NewVault(evmKeyHex, solanaKeyBase58 string) (*Vault, error) {
	v := &Vault{
		evmOverrides:    make(map[facilitatortypes.Network]*evmKey),
		solanaOverrides: make(map[facilitatortypes.Network]*solanaKey),
	}

	if evmKeyHex != "" {
		k, err := parseEVMKey(evmKeyHex)
		if err != nil {
			return nil, err
		}
		v.familyEVM = k
	}
	if solanaKeyBase58 != "" {
		k, err := parseSolanaKey(solanaKeyBase58)
		if err != nil {
			return nil, err
		}
		v.familySolana = k
	}
	return v, nil
}

// AddOverride registers a per-network key taking priority over the
// family-wide one. Must be called during startup, before the vault is
// shared.
func (v *Vault) AddOverride(network facilitatortypes.Network, keyRef string) error {
	switch {
	case network.IsEVM():
		k, err := parseEVMKey(keyRef)
		if err != nil {
			return err
		}
		v.evmOverrides[network] = k
	case network.IsSolana():
		k, err := parseSolanaKey(keyRef)
		if err != nil {
			return err
		}
		v.solanaOverrides[network] = k
	default:
		return fmt.Errorf("signer: unsupported network %q", network)
	}
	return nil
}

// HasSigner reports whether a key is registered for the network.
func (v *Vault) HasSigner(network facilitatortypes.Network) bool {
	switch {
	case network.IsEVM():
		return v.evmFor(network) != nil
	case network.IsSolana():
		return v.solanaFor(network) != nil
	default:
		return false
	}
}

// EVMAddress returns the settlement sender address for an EVM network.
func (v *Vault) EVMAddress(network facilitatortypes.Network) (common.Address, error) {
	k := v.evmFor(network)
	if k == nil {
		return common.Address{}, ErrSignerUnavailable
	}
	return k.address, nil
}

// SolanaAddress returns the fee-payer public key for a Solana network.
func (v *Vault) SolanaAddress(network facilitatortypes.Network) (solana.PublicKey, error) {
	k := v.solanaFor(network)
	if k == nil {
		return solana.PublicKey{}, ErrSignerUnavailable
	}
	return k.pubkey, nil
}

// SignEVMTx signs an EVM transaction with the network's key, binding it to
// chainID via the EIP-155 signer.
func (v *Vault) SignEVMTx(network facilitatortypes.Network, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	k := v.evmFor(network)
	if k == nil {
		return nil, ErrSignerUnavailable
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
	if err != nil {
		return nil, fmt.Errorf("signer: evm sign: %w", err)
	}
	return signed, nil
}

// SerializeEVM runs fn while holding the network key's mutex, so nonce
// assignment, signing, and broadcast happen without interleaving for the
// same key. fn receives the sender address.
func (v *Vault) SerializeEVM(network facilitatortypes.Network, fn func(from common.Address) error) error {
	k := v.evmFor(network)
	if k == nil {
		return ErrSignerUnavailable
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return fn(k.address)
}

// PartialSignSolana adds the fee payer's signature to a transaction whose
// other required signatures are already present. The key never leaves the
// vault.
func (v *Vault) PartialSignSolana(network facilitatortypes.Network, tx *solana.Transaction) error {
	k := v.solanaFor(network)
	if k == nil {
		return ErrSignerUnavailable
	}
	_, err := tx.PartialSign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(k.pubkey) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("signer: solana partial sign: %w", err)
	}
	return nil
}

func (v *Vault) evmFor(network facilitatortypes.Network) *evmKey {
	if k, ok := v.evmOverrides[network]; ok {
		return k
	}
	return v.familyEVM
}

func (v *Vault) solanaFor(network facilitatortypes.Network) *solanaKey {
	if k, ok := v.solanaOverrides[network]; ok {
		return k
	}
	return v.familySolana
}

func parseEVMKey(hexKey string) (*evmKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: invalid evm private key: %w", err)
	}
	return &evmKey{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func parseSolanaKey(b58 string) (*solanaKey, error) {
	key, err := solana.PrivateKeyFromBase58(b58)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid solana private key: %w", err)
	}
	return &solanaKey{key: key, pubkey: key.PublicKey()}, nil
}
