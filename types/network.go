package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// CAIP-2 namespaces understood by the engine.
const (
	NamespaceEIP155 = "eip155"
	NamespaceSolana = "solana"
)

// Network is a CAIP-2 chain identifier of the form "namespace:reference",
// e.g. "eip155:8453" or "solana:mainnet".
type Network string

// Well-known networks.
const (
	NetworkBase          Network = "eip155:8453"
	NetworkBaseSepolia   Network = "eip155:84532" // testnet
	NetworkPolygon       Network = "eip155:137"
	NetworkPolygonAmoy   Network = "eip155:80002" // testnet
	NetworkSolanaMainnet Network = "solana:mainnet"
	NetworkSolanaDevnet  Network = "solana:devnet" // testnet
)

// Namespace returns the CAIP-2 namespace, or "" for a malformed id.
func (n Network) Namespace() string {
	ns, _, ok := strings.Cut(string(n), ":")
	if !ok {
		return ""
	}
	return ns
}

// Reference returns the chain reference after the namespace.
func (n Network) Reference() string {
	_, ref, _ := strings.Cut(string(n), ":")
	return ref
}

// Family maps the namespace onto a chain family.
func (n Network) Family() (ChainFamily, error) {
	switch n.Namespace() {
	case NamespaceEIP155:
		return ChainEVM, nil
	case NamespaceSolana:
		return ChainSolana, nil
	default:
		return "", fmt.Errorf("unsupported network namespace in %q", n)
	}
}

// IsEVM reports whether the network belongs to the EVM family.
func (n Network) IsEVM() bool { return n.Namespace() == NamespaceEIP155 }

// IsSolana reports whether the network belongs to the Solana family.
func (n Network) IsSolana() bool { return n.Namespace() == NamespaceSolana }

// EVMChainID parses the numeric EIP-155 chain reference.
func (n Network) EVMChainID() (int64, error) {
	if !n.IsEVM() {
		return 0, fmt.Errorf("network %q is not an eip155 network", n)
	}
	id, err := strconv.ParseInt(n.Reference(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid eip155 chain reference in %q: %w", n, err)
	}
	return id, nil
}

// Valid reports whether the id is well-formed and in a known namespace.
func (n Network) Valid() bool {
	ns, ref, ok := strings.Cut(string(n), ":")
	if !ok || ref == "" {
		return false
	}
	switch ns {
	case NamespaceEIP155:
		_, err := strconv.ParseInt(ref, 10, 64)
		return err == nil
	case NamespaceSolana:
		return true
	default:
		return false
	}
}

func (n Network) String() string { return string(n) }
