// Package registry maps (version, scheme, network) triples to chain
// adapters, built once from configuration at startup.
package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/openx402/facilitator/chains"
	"github.com/openx402/facilitator/chains/evm"
	solchain "github.com/openx402/facilitator/chains/solana"
	"github.com/openx402/facilitator/config"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
)

// ErrNothingRegistered means not a single chain could be brought up, which
// leaves the facilitator unable to serve anything.
var ErrNothingRegistered = errors.New("registry: no chain registered")

type key struct {
	version types.X402Version
	scheme  types.PaymentScheme
	network types.Network
}

// Registry resolves payment requests to the adapter that can serve them.
// Immutable after Build.
type Registry struct {
	entries map[key]chains.Adapter
	// byNetwork keeps one adapter per network for health reporting.
	byNetwork map[types.Network]chains.Adapter
	vault     *signer.Vault
}

// Build constructs adapters for every configured chain. Chains without a
// signing key or with an unsupported namespace are skipped with a warning
// rather than failing startup; only an empty result is fatal.
func Build(cfg *config.Config, vault *signer.Vault, log logger.Logger) (*Registry, error) {
	r := &Registry{
		entries:   make(map[key]chains.Adapter),
		byNetwork: make(map[types.Network]chains.Adapter),
		vault:     vault,
	}

	for id, chainCfg := range cfg.Chains {
		network := types.Network(id)

		if !vault.HasSigner(network) {
			log.Warn("chain has no signing key, skipping", map[string]any{"chain": id})
			continue
		}

		var (
			adapter chains.Adapter
			err     error
		)
		switch {
		case network.IsEVM():
			adapter, err = evm.New(network, chainCfg.RPC, chainCfg.Confirmations, vault, log)
		case network.IsSolana():
			adapter, err = solchain.New(network, chainCfg.RPC, chainCfg.Confirmations, vault, log)
		default:
			log.Warn("unsupported chain namespace, skipping", map[string]any{"chain": id})
			continue
		}
		if err != nil {
			log.Warn("chain setup failed, skipping", map[string]any{"chain": id, "error": err.Error()})
			continue
		}

		r.byNetwork[network] = adapter
		for _, scheme := range schemesFor(cfg, network) {
			r.entries[key{types.X402Version1, scheme, network}] = adapter
		}
		log.Info("chain registered", map[string]any{"chain": id, "signer": adapter.SignerAddress()})
	}

	if len(r.entries) == 0 {
		return nil, ErrNothingRegistered
	}
	return r, nil
}

// NewStatic builds a registry from pre-constructed adapters, registering
// the exact scheme for each. Useful when embedding the engine without a
// configuration file.
func NewStatic(adapters ...chains.Adapter) (*Registry, error) {
	r := &Registry{
		entries:   make(map[key]chains.Adapter),
		byNetwork: make(map[types.Network]chains.Adapter),
	}
	for _, adapter := range adapters {
		network := adapter.Network()
		r.byNetwork[network] = adapter
		r.entries[key{types.X402Version1, types.SchemeExact, network}] = adapter
	}
	if len(r.entries) == 0 {
		return nil, ErrNothingRegistered
	}
	return r, nil
}

// schemesFor returns the schemes to register for a network: the explicit
// declarations when present, else one auto-derived "exact" registration.
func schemesFor(cfg *config.Config, network types.Network) []types.PaymentScheme {
	if len(cfg.Schemes) == 0 {
		return []types.PaymentScheme{types.SchemeExact}
	}
	var out []types.PaymentScheme
	for _, sc := range cfg.Schemes {
		for _, n := range sc.Networks {
			if types.Network(n) == network {
				out = append(out, types.PaymentScheme(sc.Scheme))
				break
			}
		}
	}
	return out
}

// Resolve returns the adapter for a triple, or a machine-readable reason
// why none serves it.
func (r *Registry) Resolve(version int, scheme types.PaymentScheme, network types.Network) (chains.Adapter, string) {
	if types.X402Version(version) != types.X402Version1 {
		return nil, types.ReasonUnsupportedVersion
	}
	if !network.Valid() {
		return nil, types.ReasonInvalidNetwork
	}
	adapter, ok := r.entries[key{types.X402Version1, scheme, network}]
	if !ok {
		return nil, types.ReasonUnsupportedScheme
	}
	return adapter, ""
}

// SupportedKinds lists every registered triple in stable order.
func (r *Registry) SupportedKinds() []types.SupportedKind {
	kinds := make([]types.SupportedKind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, types.SupportedKind{
			X402Version: int(k.version),
			Scheme:      string(k.scheme),
			Network:     string(k.network),
		})
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})
	return kinds
}

// Signers returns the settlement signer addresses grouped by chain
// namespace, for the supported-kinds response.
func (r *Registry) Signers() map[string][]string {
	seen := make(map[string]map[string]bool)
	for network, adapter := range r.byNetwork {
		addr := adapter.SignerAddress()
		if addr == "" {
			continue
		}
		ns := network.Namespace()
		if seen[ns] == nil {
			seen[ns] = make(map[string]bool)
		}
		seen[ns][addr] = true
	}

	out := make(map[string][]string, len(seen))
	for ns, addrs := range seen {
		for addr := range addrs {
			out[ns] = append(out[ns], addr)
		}
		sort.Strings(out[ns])
	}
	return out
}

type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// Health probes one adapter per registered network and reports each
// network's RPC reachability.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.byNetwork))
	for network, adapter := range r.byNetwork {
		hc, ok := adapter.(healthChecker)
		if !ok {
			out[string(network)] = true
			continue
		}
		out[string(network)] = hc.Healthy(ctx)
	}
	return out
}

// Networks lists the registered networks in stable order.
func (r *Registry) Networks() []types.Network {
	out := make([]types.Network, 0, len(r.byNetwork))
	for n := range r.byNetwork {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
