package types

// SolanaPayload is the decoded chain-specific payload for Solana networks:
// a base64-encoded transaction already signed by the payer, with the fee
// payer slot left for the facilitator to countersign at settlement.
type SolanaPayload struct {
	Transaction string `json:"transaction"`
}
