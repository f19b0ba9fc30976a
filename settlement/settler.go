package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/openx402/facilitator/chains"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/registry"
	"github.com/openx402/facilitator/rpcpool"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
	"github.com/openx402/facilitator/verification"
)

// observeInterval is how often a duplicate request re-reads the record
// while another worker drives the settlement.
const observeInterval = 100 * time.Millisecond

// Options tunes the settler.
type Options struct {
	// PollInterval is the confirmation polling cadence.
	PollInterval time.Duration

	// MaxWait bounds the wall-clock time a settlement may spend from
	// broadcast to confirmation before it is recorded as timed out.
	MaxWait time.Duration

	// Retention bounds how long terminal records survive before GC.
	Retention time.Duration
}

// Settler drives settlements. Each idempotency key is settled at most
// once: concurrent and repeated requests converge on the same record and
// the same transaction identifier.
type Settler struct {
	registry *registry.Registry
	verifier *verification.Verifier
	store    Store
	recorder metrics.Recorder
	log      logger.Logger
	opts     Options
}

func New(reg *registry.Registry, verifier *verification.Verifier, store Store, recorder metrics.Recorder, log logger.Logger, opts Options) *Settler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Settler{
		registry: reg,
		verifier: verifier,
		store:    store,
		recorder: recorder,
		log:      log,
		opts:     opts,
	}
}

// Settle verifies and settles a payment. The first request for a key
// drives the full flow; duplicates observe the existing record and return
// its outcome, waiting for the in-flight worker when necessary.
//
// Once a settlement passes verification it runs on a context detached
// from the caller: a dropped client connection never abandons a payment
// that may already be on the wire.
func (s *Settler) Settle(ctx context.Context, req *types.VerifyRequest) types.SettlementResult {
	started := time.Now()
	network := req.PaymentPayload.Network

	result := s.settle(ctx, req)

	outcome := "settle_success"
	if !result.Success {
		outcome = "settle_" + orUnknown(result.ErrorReason)
	}
	s.recorder.IncCounter(outcome, map[string]string{"network": network})
	s.recorder.ObserveLatency("settle", time.Since(started), map[string]string{"network": network})
	return result
}

func (s *Settler) settle(ctx context.Context, req *types.VerifyRequest) types.SettlementResult {
	network := req.PaymentPayload.Network

	key, err := IdempotencyKey(req)
	if err != nil {
		return failure(network, types.ReasonUnexpectedError)
	}
	log := s.log.With(map[string]any{"key": key, "network": network})

	now := time.Now()
	rec, created, err := s.store.GetOrCreate(ctx, &Record{
		Key:       key,
		State:     StateReceived,
		Network:   network,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		log.Error("settlement store unavailable", map[string]any{"error": err.Error()})
		return failure(network, types.ReasonUnexpectedError)
	}

	if created {
		return s.drive(ctx, rec, req, log)
	}
	return s.observe(ctx, rec, req, log)
}

// drive runs the full flow for a record this worker just claimed in the
// given state.
func (s *Settler) drive(ctx context.Context, rec *Record, req *types.VerifyRequest, log logger.Logger) types.SettlementResult {
	rec.State = StateVerifying
	if err := s.store.Update(ctx, rec); err != nil {
		log.Error("settlement record update failed", map[string]any{"error": err.Error()})
		return failure(rec.Network, types.ReasonUnexpectedError)
	}

	verdict := s.verifier.Verify(ctx, req)
	rec.Payer = verdict.Payer
	if !verdict.IsValid {
		if verdict.InvalidReason == types.ReasonRPCUnavailable {
			// Not a verdict on the payment. Leave the record
			// retryable.
			rec.State = StateReceived
			rec.Reason = types.ReasonRPCUnavailable
			_ = s.store.Update(ctx, rec)
			return failure(rec.Network, types.ReasonRPCUnavailable)
		}
		rec.State = StateRejected
		rec.Reason = verdict.InvalidReason
		_ = s.store.Update(ctx, rec)
		log.Info("settlement rejected", map[string]any{"reason": rec.Reason})
		return rec.Result()
	}

	rec.State = StateVerified
	rec.Reason = ""
	if err := s.store.Update(ctx, rec); err != nil {
		log.Error("settlement record update failed", map[string]any{"error": err.Error()})
		return failure(rec.Network, types.ReasonUnexpectedError)
	}

	return s.settleVerified(ctx, rec, req, log)
}

// settleVerified takes a record in StateVerified through broadcast and
// confirmation.
func (s *Settler) settleVerified(ctx context.Context, rec *Record, req *types.VerifyRequest, log logger.Logger) types.SettlementResult {
	payload := &req.PaymentPayload
	adapter, reason := s.registry.Resolve(payload.X402Version, types.PaymentScheme(payload.Scheme), types.Network(payload.Network))
	if adapter == nil {
		return s.fail(ctx, rec, reason, log)
	}

	rec.State = StateSettling
	if err := s.store.Update(ctx, rec); err != nil {
		log.Error("settlement record update failed", map[string]any{"error": err.Error()})
		return failure(rec.Network, types.ReasonUnexpectedError)
	}

	// From here the settlement must survive the caller hanging up.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.MaxWait)
	defer cancel()

	tx, err := adapter.BuildTransaction(dctx, payload, &req.PaymentRequirements)
	if err != nil {
		log.Error("settlement build failed", map[string]any{"error": err.Error()})
		return s.fail(dctx, rec, types.ReasonUnexpectedError, log)
	}

	tx, err = adapter.Sign(dctx, tx)
	if err != nil {
		switch {
		case errors.Is(err, signer.ErrSignerUnavailable):
			return s.fail(dctx, rec, types.ReasonSignerUnavailable, log)
		case rpcpool.IsTransient(err):
			return s.retryLater(dctx, rec, log)
		default:
			log.Error("settlement signing failed", map[string]any{"error": err.Error()})
			return s.fail(dctx, rec, types.ReasonUnexpectedError, log)
		}
	}

	txID, err := adapter.Broadcast(dctx, tx)
	if err != nil {
		if rpcpool.IsTransient(err) {
			return s.retryLater(dctx, rec, log)
		}
		log.Error("settlement broadcast rejected", map[string]any{"error": err.Error()})
		return s.fail(dctx, rec, types.ReasonUnexpectedError, log)
	}

	// The transaction exists on the network now; record that before
	// anything else can go wrong.
	rec.State = StateSubmitted
	rec.Transaction = txID
	rec.Reason = ""
	if err := s.store.Update(dctx, rec); err != nil {
		log.Error("settlement record update failed after broadcast", map[string]any{
			"tx":    txID,
			"error": err.Error(),
		})
	}

	return s.awaitConfirmation(dctx, rec, adapter, log)
}

// awaitConfirmation polls until the transaction is final, reverted, or
// the settlement wait budget runs out.
func (s *Settler) awaitConfirmation(ctx context.Context, rec *Record, adapter chains.Adapter, log logger.Logger) types.SettlementResult {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Timed out. The transaction identifier stays on the
			// record so operators can reconcile.
			log.Warn("settlement timed out awaiting confirmation", map[string]any{"tx": rec.Transaction})
			return s.fail(context.WithoutCancel(ctx), rec, types.ReasonSettlementTimeout, log)
		case <-ticker.C:
		}

		conf, err := adapter.Confirm(ctx, rec.Transaction)
		if err != nil {
			// Transient by construction; keep polling within the
			// budget.
			continue
		}

		switch conf.Status {
		case chains.StatusConfirmed:
			rec.State = StateConfirmed
			rec.Reason = ""
			if err := s.store.Update(ctx, rec); err != nil {
				log.Error("settlement record update failed", map[string]any{"error": err.Error()})
			}
			log.Info("settlement confirmed", map[string]any{"tx": rec.Transaction})
			return rec.Result()
		case chains.StatusReverted:
			return s.fail(ctx, rec, conf.Reason, log)
		}
	}
}

// observe handles a request whose record already exists: wait for the
// owning worker, or pick up a retryable record ourselves.
func (s *Settler) observe(ctx context.Context, rec *Record, req *types.VerifyRequest, log logger.Logger) types.SettlementResult {
	deadline := time.Now().Add(s.opts.MaxWait)

	for {
		if rec.State.Terminal() {
			return rec.Result()
		}

		switch rec.State {
		case StateReceived:
			claim := *rec
			claim.State = StateVerifying
			ok, err := s.store.Transition(ctx, &claim, StateReceived)
			if err == nil && ok {
				return s.drive(ctx, &claim, req, log)
			}
		case StateVerified:
			claim := *rec
			claim.State = StateSettling
			ok, err := s.store.Transition(ctx, &claim, StateVerified)
			if err == nil && ok {
				return s.settleVerified(ctx, &claim, req, log)
			}
		case StateSubmitted:
			// The transaction is on the network. Polling for it is
			// read-only and safe to do alongside the original worker,
			// and it is the only way forward when that worker is gone.
			return s.resumeSubmitted(ctx, rec, req, log)
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			// Still in flight elsewhere. Report the current state
			// without inventing an outcome.
			return pendingResult(rec)
		}

		time.Sleep(observeInterval)

		fresh, err := s.store.Get(ctx, rec.Key)
		if err != nil {
			return pendingResult(rec)
		}
		rec = fresh
	}
}

// pendingResult reports a record that is still in flight. A non-terminal
// record has no outcome yet; the caller still gets a machine-readable
// reason rather than an empty one.
func pendingResult(rec *Record) types.SettlementResult {
	result := rec.Result()
	if !rec.State.Terminal() && result.ErrorReason == "" {
		result.ErrorReason = types.ReasonSettlementPending
	}
	return result
}

// resumeSubmitted picks up confirmation polling for a record whose
// transaction was already broadcast. Never broadcasts again.
func (s *Settler) resumeSubmitted(ctx context.Context, rec *Record, req *types.VerifyRequest, log logger.Logger) types.SettlementResult {
	payload := &req.PaymentPayload
	adapter, reason := s.registry.Resolve(payload.X402Version, types.PaymentScheme(payload.Scheme), types.Network(payload.Network))
	if adapter == nil {
		return s.fail(ctx, rec, reason, log)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.MaxWait)
	defer cancel()
	return s.awaitConfirmation(dctx, rec, adapter, log)
}

// retryLater releases a settlement back to StateVerified after a
// transient infrastructure failure, so a later request can retry the
// broadcast.
func (s *Settler) retryLater(ctx context.Context, rec *Record, log logger.Logger) types.SettlementResult {
	rec.State = StateVerified
	rec.Reason = types.ReasonRPCUnavailable
	if err := s.store.Update(ctx, rec); err != nil {
		log.Error("settlement record update failed", map[string]any{"error": err.Error()})
	}
	log.Warn("settlement deferred, chain unreachable", nil)
	return failure(rec.Network, types.ReasonRPCUnavailable)
}

func (s *Settler) fail(ctx context.Context, rec *Record, reason string, log logger.Logger) types.SettlementResult {
	rec.State = StateFailed
	rec.Reason = reason
	if err := s.store.Update(ctx, rec); err != nil {
		log.Error("settlement record update failed", map[string]any{"error": err.Error()})
	}
	return rec.Result()
}

// RunGC deletes expired terminal records on the given cadence until ctx
// is cancelled. Meant to run in its own goroutine.
func (s *Settler) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.DeleteExpired(ctx, time.Now().Add(-s.opts.Retention))
			if err != nil {
				s.log.Error("settlement gc failed", map[string]any{"error": err.Error()})
				continue
			}
			if removed > 0 {
				s.log.Debug("settlement records expired", map[string]any{"removed": removed})
			}
		}
	}
}

func failure(network, reason string) types.SettlementResult {
	return types.SettlementResult{Success: false, Network: network, ErrorReason: reason}
}

func orUnknown(reason string) string {
	if reason == "" {
		return "pending"
	}
	return reason
}
