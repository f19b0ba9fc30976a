// Package settlement drives payment settlement with exactly-once
// semantics: every settle request maps to a durable record keyed by the
// payment's idempotency key, and at most one broadcast ever happens per
// record.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openx402/facilitator/types"
)

// State is a settlement record's position in its lifecycle.
type State string

const (
	StateReceived  State = "received"
	StateVerifying State = "verifying"
	// StateRejected is terminal: verification failed, nothing was
	// broadcast.
	StateRejected State = "rejected"
	// StateVerified means the authorization checked out but no broadcast
	// has succeeded yet. Retryable: a later settle attempt for the same
	// key resumes from here.
	StateVerified State = "verified"
	StateSettling State = "settling"
	// StateSubmitted means the transaction is on the network and its
	// identifier is recorded.
	StateSubmitted State = "submitted"
	// StateConfirmed is terminal: the transfer is final on-chain.
	StateConfirmed State = "confirmed"
	// StateFailed is terminal. The transaction identifier, when one
	// exists, is preserved for reconciliation.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateConfirmed || s == StateFailed
}

// Record is the durable settlement state for one idempotency key.
type Record struct {
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Network     string    `json:"network"`
	Payer       string    `json:"payer,omitempty"`
	Transaction string    `json:"transaction,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Result converts the record into the wire-level settlement outcome.
func (r *Record) Result() types.SettlementResult {
	return types.SettlementResult{
		Success:     r.State == StateConfirmed,
		Transaction: r.Transaction,
		Network:     r.Network,
		ErrorReason: r.Reason,
		Payer:       r.Payer,
	}
}

// IdempotencyKey derives the settlement identity of a request from its
// payload and requirements. Two requests with the same authorization and
// the same requirements always map to the same key; json.Marshal is
// deterministic for structs and sorts map keys, so the encoding is
// canonical.
func IdempotencyKey(req *types.VerifyRequest) (string, error) {
	canonical, err := json.Marshal(struct {
		Payload      types.PaymentPayload      `json:"payload"`
		Requirements types.PaymentRequirements `json:"requirements"`
	}{req.PaymentPayload, req.PaymentRequirements})
	if err != nil {
		return "", fmt.Errorf("settlement: canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
