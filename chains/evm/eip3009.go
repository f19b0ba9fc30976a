package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/openx402/facilitator/types"
)

// Domain parameters used when the requirements carry no "name"/"version"
// extras. These are the USDC values and cover the common case.
const (
	defaultTokenName    = "USD Coin"
	defaultTokenVersion = "2"
)

// authorization is a fully parsed EIP-3009 TransferWithAuthorization
// message plus its detached 65-byte secp256k1 signature.
type authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// parseAuthorization validates and converts the wire-format payload.
// All failures here mean the payload is structurally unusable.
func parseAuthorization(p *types.EVMPayload) (*authorization, error) {
	a := p.Authorization

	if !common.IsHexAddress(a.From) {
		return nil, fmt.Errorf("invalid from address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("invalid to address %q", a.To)
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid value %q", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter %q", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore %q", a.ValidBefore)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce %q", a.Nonce)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}

	return &authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		Signature:   sig,
	}, nil
}

// typedDataDigest computes the EIP-712 digest for a
// TransferWithAuthorization message in the token's signing domain.
func typedDataDigest(auth *authorization, chainID *big.Int, token common.Address, name, version string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// recoverSigner recovers the address that produced sig over digest.
// Both v conventions appear in the wild, so 27/28 is normalized to 0/1
// before recovery.
func recoverSigner(digest, sig []byte) (common.Address, error) {
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// splitSignature decomposes a 65-byte signature into the v, r, s form
// transferWithAuthorization takes on-chain. v is normalized to 27/28.
func splitSignature(sig []byte) (v uint8, r [32]byte, s [32]byte) {
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return
}

// domainParams extracts the token's EIP-712 name and version from the
// requirements extras, falling back to the USDC defaults.
func domainParams(extra map[string]any) (name, version string) {
	name, version = defaultTokenName, defaultTokenVersion
	if extra == nil {
		return
	}
	if v, ok := extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := extra["version"].(string); ok && v != "" {
		version = v
	}
	return
}
