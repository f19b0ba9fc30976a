package evm

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI surface needed against EIP-3009 tokens: the two read
// methods used during verification and the settlement entry point.
const tokenABIJSON = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "authorizer", "type": "address"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  }
]`

var (
	tokenABIOnce sync.Once
	tokenABIVal  abi.ABI
)

func tokenABI() abi.ABI {
	tokenABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
		if err != nil {
			panic(fmt.Sprintf("evm: token abi: %v", err))
		}
		tokenABIVal = parsed
	})
	return tokenABIVal
}

func packBalanceOf(account common.Address) ([]byte, error) {
	return tokenABI().Pack("balanceOf", account)
}

func unpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := tokenABI().Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return bal, nil
}

func packAuthorizationState(authorizer common.Address, nonce [32]byte) ([]byte, error) {
	return tokenABI().Pack("authorizationState", authorizer, nonce)
}

func unpackAuthorizationState(data []byte) (bool, error) {
	out, err := tokenABI().Unpack("authorizationState", data)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState returned %T", out[0])
	}
	return used, nil
}

func packTransferWithAuthorization(auth *authorization) ([]byte, error) {
	v, r, s := splitSignature(auth.Signature)
	return tokenABI().Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		v,
		r,
		s,
	)
}
