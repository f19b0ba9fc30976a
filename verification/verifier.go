// Package verification implements the read-only payment verification
// pipeline: structural validation, compatibility checks, then
// chain-specific cryptographic and state checks.
package verification

import (
	"context"
	"time"

	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/registry"
	"github.com/openx402/facilitator/types"
)

// Verifier runs the verification pipeline. Verification never mutates any
// state, on-chain or local: the same request always yields the same result
// while the underlying chain state holds.
type Verifier struct {
	registry *registry.Registry
	recorder metrics.Recorder
	log      logger.Logger
}

func New(reg *registry.Registry, recorder metrics.Recorder, log logger.Logger) *Verifier {
	return &Verifier{registry: reg, recorder: recorder, log: log}
}

// Verify checks a payment authorization against its requirements. Checks
// run cheapest first and short-circuit on the first failure. An RPC outage
// surfaces as an invalid result with reason "rpc_unavailable" rather than
// an error: the caller could not be verified, not rejected.
func (v *Verifier) Verify(ctx context.Context, req *types.VerifyRequest) types.VerificationResult {
	started := time.Now()
	network := req.PaymentPayload.Network

	result := v.verify(ctx, req)

	outcome := "verify_valid"
	if !result.IsValid {
		outcome = "verify_" + result.InvalidReason
	}
	v.recorder.IncCounter(outcome, map[string]string{"network": network})
	v.recorder.ObserveLatency("verify", time.Since(started), map[string]string{"operation": "verify", "network": network})
	return result
}

func (v *Verifier) verify(ctx context.Context, req *types.VerifyRequest) types.VerificationResult {
	if err := req.PaymentPayload.Validate(); err != nil {
		return types.Invalid(types.ReasonInvalidPayload)
	}
	if err := req.PaymentRequirements.Validate(); err != nil {
		return types.Invalid(types.ReasonInvalidRequirements)
	}

	payload := &req.PaymentPayload
	reqs := &req.PaymentRequirements

	network := types.Network(payload.Network)
	if !network.Valid() {
		return types.Invalid(types.ReasonInvalidNetwork)
	}
	if payload.Network != reqs.Network {
		return types.Invalid(types.ReasonNetworkMismatch)
	}
	if payload.Scheme != reqs.Scheme {
		return types.Invalid(types.ReasonUnsupportedScheme)
	}

	adapter, reason := v.registry.Resolve(payload.X402Version, types.PaymentScheme(payload.Scheme), network)
	if adapter == nil {
		return types.Invalid(reason)
	}

	result, err := adapter.Verify(ctx, payload, reqs)
	if err != nil {
		v.log.Warn("verification aborted, chain unreachable", map[string]any{
			"network": payload.Network,
			"error":   err.Error(),
		})
		return types.Invalid(types.ReasonRPCUnavailable)
	}
	return result
}
