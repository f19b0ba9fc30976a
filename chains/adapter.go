// Package chains defines the contract every settlement chain implements.
//
// Chain-specific knowledge (signature schemes, transaction encodings,
// confirmation rules) stays behind the Adapter interface; the verification
// pipeline and settlement orchestrator are chain-agnostic callers.
package chains

import (
	"context"

	"github.com/openx402/facilitator/types"
)

// Tx is an opaque in-flight settlement transaction. Each adapter defines
// its own concrete type and only ever receives back values it produced.
type Tx any

// ConfirmationStatus is the outcome of a single confirmation poll.
type ConfirmationStatus int

const (
	// StatusPending means the transaction is not yet final at the
	// configured confirmation depth. Keep polling.
	StatusPending ConfirmationStatus = iota
	// StatusConfirmed means the transaction executed and reached the
	// configured depth.
	StatusConfirmed
	// StatusReverted means the transaction was included but failed
	// on-chain. Terminal.
	StatusReverted
)

func (s ConfirmationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Confirmation carries a poll outcome plus a machine-readable reason when
// the status is terminal-failed.
type Confirmation struct {
	Status ConfirmationStatus
	Reason string
}

// Adapter verifies payment authorizations and drives their settlement on
// one network. Implementations are safe for concurrent use.
//
// Verify returns a VerificationResult for protocol-level decisions (valid
// or rejected with a reason) and a non-nil error only for infrastructure
// failures such as all RPC endpoints being unreachable. Verify never
// mutates chain state.
//
// Build, Sign, Broadcast, and Confirm decompose settlement so the
// orchestrator controls persistence ordering between the steps. Sign
// covers pre-broadcast preparation; a chain whose transactions carry
// strictly ordered account nonces may defer the actual signature into
// Broadcast's serialized send. Broadcast returns the chain transaction
// identifier; errors from it are classified with rpcpool.IsTransient /
// IsPermanent to decide whether the settlement record stays retryable.
type Adapter interface {
	// Network is the CAIP-2 identifier this adapter settles on.
	Network() types.Network

	// SignerAddress is the settlement signer's address in the chain's
	// native encoding, or "" when no signer is configured.
	SignerAddress() string

	Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (types.VerificationResult, error)

	BuildTransaction(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (Tx, error)

	Sign(ctx context.Context, tx Tx) (Tx, error)

	Broadcast(ctx context.Context, tx Tx) (string, error)

	Confirm(ctx context.Context, txID string) (Confirmation, error)
}
