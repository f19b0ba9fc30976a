// Package types defines the wire and domain types shared by the
// facilitator's verification and settlement engine.
package types

import "fmt"

// X402Version is the x402 protocol version carried on every payload.
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme names a payment-authorization format variant.
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// PaymentRequirements defines what a resource server accepts as payment.
// Issued by the resource server and treated as immutable; supplied by the
// caller on every verify/settle call.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 identifier of the chain to pay on
	// (e.g., "eip155:84532", "solana:mainnet").
	Network string `json:"network"`

	// MaxAmountRequired is the amount required to pay for the resource,
	// in atomic units of the asset. Represented as a string because Go
	// does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the URL of the resource being paid for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description,omitempty"`

	// MimeType of the resource response.
	MimeType string `json:"mimeType,omitempty"`

	// PayTo is the address the payment must be sent to.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds how long the authorization stays valid.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset identifies the token: an EIP-3009 compliant ERC-20 contract
	// address on EVM chains, an SPL mint on Solana.
	Asset string `json:"asset"`

	// Extra carries scheme-specific fields. For "exact" on EVM this
	// includes the token's EIP-712 domain "name" and "version".
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Validate checks that the requirements carry every field the engine needs.
func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}
	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}
	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirements.maxAmountRequired is required")
	}
	if pr.PayTo == "" {
		return fmt.Errorf("paymentRequirements.payTo is required")
	}
	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirements.asset is required")
	}
	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirements.maxTimeoutSeconds must be greater than 0")
	}
	return nil
}

// PaymentPayload is the untrusted signed authorization presented by a payer.
// Payload is an opaque, base64-encoded chain-specific structure; the chain
// adapter for the network decodes and validates it.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     string `json:"payload"`
}

// Validate checks the payload's structural envelope.
func (p *PaymentPayload) Validate() error {
	if p.X402Version <= 0 {
		return fmt.Errorf("paymentPayload.x402Version must be greater than 0")
	}
	if p.Scheme == "" {
		return fmt.Errorf("paymentPayload.scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("paymentPayload.network is required")
	}
	if p.Payload == "" {
		return fmt.Errorf("paymentPayload.payload is required")
	}
	return nil
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Validate checks that the request contains all required fields.
func (v *VerifyRequest) Validate() error {
	if err := v.PaymentPayload.Validate(); err != nil {
		return err
	}
	return v.PaymentRequirements.Validate()
}

// VerificationResult is the outcome of payment verification. It carries no
// state mutation: verifying the same inputs twice yields the same result.
type VerificationResult struct {
	// IsValid reports whether the payment authorization checks out.
	IsValid bool `json:"isValid"`

	// InvalidReason carries a machine-readable reason code when invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// Payer is the recovered payer address, when recoverable.
	Payer string `json:"payer,omitempty"`
}

// Invalid builds a failed VerificationResult with the given reason code.
func Invalid(reason string) VerificationResult {
	return VerificationResult{IsValid: false, InvalidReason: reason}
}

// WithPayer attaches the payer address when it was recoverable despite the
// rejection.
func (r VerificationResult) WithPayer(payer string) VerificationResult {
	r.Payer = payer
	return r
}

// SettlementResult is the outcome of a settle call.
type SettlementResult struct {
	Success bool `json:"success"`

	// Transaction is the chain transaction identifier, once known. It is
	// preserved even on failure so operators can reconcile manually.
	Transaction string `json:"transaction,omitempty"`

	Network string `json:"network"`

	// ErrorReason carries a machine-readable reason code on failure.
	ErrorReason string `json:"errorReason,omitempty"`

	Payer string `json:"payer,omitempty"`
}

// SupportedKind is one (version, scheme, network) triple the facilitator
// can verify and settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`

	// Signers maps each network to the settlement signer addresses the
	// facilitator pays gas from on that network.
	Signers map[string][]string `json:"signers,omitempty"`
}
