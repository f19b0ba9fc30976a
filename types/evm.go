package types

// EVMPayload is the decoded chain-specific payload for EVM networks:
// an EIP-3009 transferWithAuthorization signature plus its authorization
// message. Carried base64-JSON-encoded inside PaymentPayload.Payload.
type EVMPayload struct {
	// Signature is the 65-byte ECDSA signature, 0x-hex encoded (r||s||v).
	Signature string `json:"signature"`

	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization mirrors the EIP-3009 TransferWithAuthorization message.
// Numeric fields are decimal strings (uint256); Nonce is 0x-hex bytes32.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}
