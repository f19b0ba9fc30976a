package types

// Machine-readable reason codes surfaced in VerificationResult.InvalidReason
// and SettlementResult.ErrorReason. These cross the HTTP boundary; renaming
// one is a breaking change for callers.
const (
	// -----------------------------
	// SCHEME / NETWORK
	// -----------------------------
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonInvalidNetwork    = "invalid_network"
	ReasonNetworkMismatch   = "network_mismatch"

	// -----------------------------
	// PAYLOAD STRUCTURE
	// -----------------------------
	ReasonInvalidPayload       = "invalid_payload"
	ReasonInvalidRequirements  = "invalid_requirements"
	ReasonUnsupportedVersion   = "unsupported_version"
	ReasonMalformedTransaction = "malformed_transaction"

	// -----------------------------
	// REQUIREMENT COMPATIBILITY
	// -----------------------------
	ReasonRecipientMismatch  = "recipient_mismatch"
	ReasonAssetMismatch      = "asset_mismatch"
	ReasonInsufficientAmount = "insufficient_amount"

	// -----------------------------
	// CRYPTOGRAPHIC CHECKS
	// -----------------------------
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonNonceAlreadyUsed  = "nonce_already_used"

	// -----------------------------
	// ON-CHAIN STATE
	// -----------------------------
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonAuthorizationExpired = "authorization_expired"
	ReasonAuthorizationEarly   = "authorization_not_yet_valid"
	ReasonSimulationFailed     = "simulation_failed"

	// -----------------------------
	// SETTLEMENT
	// -----------------------------
	ReasonSignerUnavailable   = "signer_unavailable"
	ReasonRPCUnavailable      = "rpc_unavailable"
	ReasonTransactionReverted = "transaction_reverted"
	ReasonSettlementTimeout   = "settlement_timeout"
	ReasonSettlementPending   = "settlement_pending"
	ReasonUnexpectedError     = "unexpected_error"
)
