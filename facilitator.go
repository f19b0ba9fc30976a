// Package facilitator implements an x402 payment facilitator: it verifies
// cryptographically signed payment authorizations and settles them
// on-chain on behalf of resource servers, across EVM and Solana networks.
package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/openx402/facilitator/config"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/registry"
	"github.com/openx402/facilitator/settlement"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
	"github.com/openx402/facilitator/verification"
)

// Facilitator bundles the verification pipeline, the settlement engine,
// and the chain registry behind the three protocol operations.
type Facilitator struct {
	cfg      *config.Config
	log      logger.Logger
	recorder metrics.Recorder
	registry *registry.Registry
	verifier *verification.Verifier
	settler  *settlement.Settler
	store    settlement.Store

	gcCancel context.CancelFunc
	closers  []func()
}

// New builds a facilitator from configuration. Signing keys are resolved
// into the vault, one adapter is constructed per usable chain, and the
// settlement store is selected by configuration (Postgres when a DSN is
// set, in-memory otherwise).
func New(cfg *config.Config, opts ...Option) (*Facilitator, error) {
	f := &Facilitator{
		cfg:      cfg,
		log:      logger.NoopLogger{},
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}

	// Every configured chain resolves its key through Config.SignerFor:
	// the per-chain override when present, the family-wide key otherwise.
	vault, err := signer.NewVault("", "")
	if err != nil {
		return nil, fmt.Errorf("facilitator: %w", err)
	}
	for id := range cfg.Chains {
		network := types.Network(id)
		keyRef := cfg.SignerFor(network)
		if keyRef == "" {
			continue
		}
		if err := vault.AddOverride(network, keyRef); err != nil {
			return nil, fmt.Errorf("facilitator: chain %s: %w", id, err)
		}
	}

	reg, err := registry.Build(cfg, vault, f.log)
	if err != nil {
		return nil, err
	}
	f.registry = reg

	if f.store == nil {
		if cfg.Store.PostgresDSN != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pg, err := settlement.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("facilitator: %w", err)
			}
			f.store = pg
			f.closers = append(f.closers, pg.Close)
		} else {
			f.store = settlement.NewMemoryStore()
		}
	}

	f.verifier = verification.New(reg, f.recorder, f.log)
	f.settler = settlement.New(reg, f.verifier, f.store, f.recorder, f.log, settlement.Options{
		PollInterval: cfg.Settle.PollInterval.Duration(),
		MaxWait:      cfg.Settle.MaxWait.Duration(),
		Retention:    cfg.Store.Retention.Duration(),
	})

	return f, nil
}

// Verify checks a payment authorization without settling it.
func (f *Facilitator) Verify(ctx context.Context, req *types.VerifyRequest) types.VerificationResult {
	return f.verifier.Verify(ctx, req)
}

// Settle verifies and settles a payment with exactly-once semantics.
func (f *Facilitator) Settle(ctx context.Context, req *types.VerifyRequest) types.SettlementResult {
	return f.settler.Settle(ctx, req)
}

// Supported describes every (version, scheme, network) this instance
// serves, with the settlement signer addresses per namespace.
func (f *Facilitator) Supported() types.SupportedResponse {
	return types.SupportedResponse{
		Kinds:   f.registry.SupportedKinds(),
		Signers: f.registry.Signers(),
	}
}

// Health probes RPC reachability per registered network.
func (f *Facilitator) Health(ctx context.Context) map[string]bool {
	return f.registry.Health(ctx)
}

// Start launches background work: the settlement record garbage
// collector. Safe to call once.
func (f *Facilitator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.gcCancel = cancel
	go f.settler.RunGC(ctx, time.Hour)
}

// Close stops background work and releases held resources.
func (f *Facilitator) Close() {
	if f.gcCancel != nil {
		f.gcCancel()
	}
	for _, closeFn := range f.closers {
		closeFn()
	}
}
