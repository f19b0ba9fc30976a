// Package evm settles exact-scheme payments on EVM networks using
// EIP-3009 transferWithAuthorization.
package evm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/openx402/facilitator/chains"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/rpcpool"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
)

// Client is the slice of the Ethereum JSON-RPC surface the adapter uses.
// *ethclient.Client satisfies it; tests substitute fakes.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ chains.Adapter = (*Adapter)(nil)

// Adapter verifies EIP-3009 authorizations and settles them by submitting
// transferWithAuthorization from the configured signer account.
type Adapter struct {
	network       types.Network
	chainID       *big.Int
	pool          *rpcpool.Pool[Client]
	vault         *signer.Vault
	confirmations uint64
	log           logger.Logger
}

// New dials the given RPC endpoints and builds an adapter for network.
func New(network types.Network, rpcURLs []string, confirmations uint64, vault *signer.Vault, log logger.Logger) (*Adapter, error) {
	endpoints := make([]rpcpool.Endpoint[Client], 0, len(rpcURLs))
	for _, url := range rpcURLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("evm: dial %s: %w", url, err)
		}
		endpoints = append(endpoints, rpcpool.Endpoint[Client]{URL: url, Client: client})
	}
	return NewWithEndpoints(network, endpoints, confirmations, vault, log)
}

// NewWithEndpoints builds an adapter over pre-constructed clients.
func NewWithEndpoints(network types.Network, endpoints []rpcpool.Endpoint[Client], confirmations uint64, vault *signer.Vault, log logger.Logger) (*Adapter, error) {
	chainID, err := network.EVMChainID()
	if err != nil {
		return nil, err
	}
	pool, err := rpcpool.New(string(network), endpoints)
	if err != nil {
		return nil, err
	}
	if confirmations == 0 {
		confirmations = 1
	}
	return &Adapter{
		network:       network,
		chainID:       big.NewInt(chainID),
		pool:          pool,
		vault:         vault,
		confirmations: confirmations,
		log:           log.With(map[string]any{"chain": string(network)}),
	}, nil
}

func (a *Adapter) Network() types.Network { return a.network }

func (a *Adapter) SignerAddress() string {
	addr, err := a.vault.EVMAddress(a.network)
	if err != nil {
		return ""
	}
	return addr.Hex()
}

// Healthy reports whether any RPC endpoint answers a head query.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.pool.Healthy(ctx, func(ctx context.Context, c Client) error {
		_, err := c.BlockNumber(ctx)
		return err
	})
}

func (a *Adapter) Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (types.VerificationResult, error) {
	auth, result := a.decode(payload)
	if result != nil {
		return *result, nil
	}
	payer := auth.From.Hex()

	if !common.IsHexAddress(reqs.Asset) || !common.IsHexAddress(reqs.PayTo) {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}
	token := common.HexToAddress(reqs.Asset)

	// Local checks first; RPC reads only for an authorization that is
	// otherwise acceptable.
	if auth.To != common.HexToAddress(reqs.PayTo) {
		return types.Invalid(types.ReasonRecipientMismatch).WithPayer(payer), nil
	}

	required, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}
	if auth.Value.Cmp(required) < 0 {
		return types.Invalid(types.ReasonInsufficientAmount).WithPayer(payer), nil
	}

	now := big.NewInt(time.Now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return types.Invalid(types.ReasonAuthorizationEarly).WithPayer(payer), nil
	}
	if now.Cmp(auth.ValidBefore) >= 0 {
		return types.Invalid(types.ReasonAuthorizationExpired).WithPayer(payer), nil
	}

	name, version := domainParams(reqs.Extra)
	digest, err := typedDataDigest(auth, a.chainID, token, name, version)
	if err != nil {
		return types.Invalid(types.ReasonInvalidPayload), nil
	}
	recovered, err := recoverSigner(digest, auth.Signature)
	if err != nil || recovered != auth.From {
		return types.Invalid(types.ReasonSignatureMismatch).WithPayer(payer), nil
	}

	balance, err := a.balanceOf(ctx, token, auth.From)
	if err != nil {
		return types.VerificationResult{}, err
	}
	if balance.Cmp(auth.Value) < 0 {
		return types.Invalid(types.ReasonInsufficientFunds).WithPayer(payer), nil
	}

	used, err := a.authorizationState(ctx, token, auth.From, auth.Nonce)
	if err != nil {
		return types.VerificationResult{}, err
	}
	if used {
		return types.Invalid(types.ReasonNonceAlreadyUsed).WithPayer(payer), nil
	}

	ok, err = a.simulate(ctx, token, auth)
	if err != nil {
		return types.VerificationResult{}, err
	}
	if !ok {
		return types.Invalid(types.ReasonSimulationFailed).WithPayer(payer), nil
	}

	return types.VerificationResult{IsValid: true, Payer: payer}, nil
}

// settlementTx carries a settlement between build, sign, and broadcast.
type settlementTx struct {
	token    common.Address
	callData []byte
	gasLimit uint64
	gasPrice *big.Int
	signed   *ethtypes.Transaction
}

func (a *Adapter) BuildTransaction(_ context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (chains.Tx, error) {
	auth, result := a.decode(payload)
	if result != nil {
		return nil, fmt.Errorf("evm: %s", result.InvalidReason)
	}
	if !common.IsHexAddress(reqs.Asset) {
		return nil, fmt.Errorf("evm: invalid asset %q", reqs.Asset)
	}
	callData, err := packTransferWithAuthorization(auth)
	if err != nil {
		return nil, fmt.Errorf("evm: pack calldata: %w", err)
	}
	return &settlementTx{token: common.HexToAddress(reqs.Asset), callData: callData}, nil
}

// Sign resolves the signing account and prices the transaction. The
// account nonce is deliberately not taken here: the pending nonce only
// advances once a transaction reaches the node, so it must be read and
// consumed in the same serialized section as the send. Broadcast does
// that under the vault's per-key lock.
func (a *Adapter) Sign(ctx context.Context, tx chains.Tx) (chains.Tx, error) {
	st, ok := tx.(*settlementTx)
	if !ok {
		return nil, fmt.Errorf("evm: unexpected tx type %T", tx)
	}

	from, err := a.vault.EVMAddress(a.network)
	if err != nil {
		return nil, err
	}

	err = a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		var err error
		st.gasLimit, err = c.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &st.token, Data: st.callData})
		if err != nil {
			return nodeVerdict(err)
		}
		st.gasPrice, err = c.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Broadcast signs and sends under the vault's per-key lock, reading the
// pending nonce inside the same locked section. The node has accepted the
// transaction into its pending pool before the lock is released, so the
// next settlement for the same key reads the advanced nonce. Nothing is
// cached locally: a send that never happens leaves no nonce gap behind.
func (a *Adapter) Broadcast(ctx context.Context, tx chains.Tx) (string, error) {
	st, ok := tx.(*settlementTx)
	if !ok || st.gasPrice == nil {
		return "", fmt.Errorf("evm: unexpected tx type %T", tx)
	}

	var hash string
	err := a.vault.SerializeEVM(a.network, func(from common.Address) error {
		return a.pool.Do(ctx, func(ctx context.Context, c Client) error {
			nonce, err := c.PendingNonceAt(ctx, from)
			if err != nil {
				return err
			}
			unsigned := ethtypes.NewTransaction(nonce, st.token, big.NewInt(0), st.gasLimit, st.gasPrice, st.callData)
			signed, err := a.vault.SignEVMTx(a.network, a.chainID, unsigned)
			if err != nil {
				return rpcpool.MarkPermanent(err)
			}
			st.signed = signed
			hash = signed.Hash().Hex()

			err = c.SendTransaction(ctx, signed)
			if err == nil {
				return nil
			}
			// A node that has already seen this exact transaction accepted
			// it; the settlement proceeds to confirmation.
			if strings.Contains(err.Error(), "already known") {
				return nil
			}
			return nodeVerdict(err)
		})
	})
	if err != nil {
		return "", err
	}

	a.log.Info("settlement transaction broadcast", map[string]any{"tx": hash})
	return hash, nil
}

func (a *Adapter) Confirm(ctx context.Context, txID string) (chains.Confirmation, error) {
	txHash := common.HexToHash(txID)

	var conf chains.Confirmation
	err := a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			conf = chains.Confirmation{Status: chains.StatusPending}
			return nil
		}
		if err != nil {
			return err
		}

		if receipt.Status == ethtypes.ReceiptStatusFailed {
			conf = chains.Confirmation{Status: chains.StatusReverted, Reason: types.ReasonTransactionReverted}
			return nil
		}

		head, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		depth := head - receipt.BlockNumber.Uint64() + 1
		if head < receipt.BlockNumber.Uint64() || depth < a.confirmations {
			conf = chains.Confirmation{Status: chains.StatusPending}
			return nil
		}
		conf = chains.Confirmation{Status: chains.StatusConfirmed}
		return nil
	})
	if err != nil {
		return chains.Confirmation{}, err
	}
	return conf, nil
}

// decode unpacks an opaque payload into a parsed authorization, or a
// rejection result when it is structurally unusable.
func (a *Adapter) decode(payload *types.PaymentPayload) (*authorization, *types.VerificationResult) {
	raw, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		r := types.Invalid(types.ReasonInvalidPayload)
		return nil, &r
	}
	var evmPayload types.EVMPayload
	if err := json.Unmarshal(raw, &evmPayload); err != nil {
		r := types.Invalid(types.ReasonInvalidPayload)
		return nil, &r
	}
	auth, err := parseAuthorization(&evmPayload)
	if err != nil {
		r := types.Invalid(types.ReasonInvalidPayload)
		return nil, &r
	}
	return auth, nil
}

func (a *Adapter) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	callData, err := packBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	var balance *big.Int
	err = a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData}, nil)
		if err != nil {
			return err
		}
		balance, err = unpackBalanceOf(out)
		return err
	})
	return balance, err
}

func (a *Adapter) authorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	callData, err := packAuthorizationState(authorizer, nonce)
	if err != nil {
		return false, err
	}
	var used bool
	err = a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData}, nil)
		if err != nil {
			return err
		}
		used, err = unpackAuthorizationState(out)
		return err
	})
	return used, err
}

// simulate runs transferWithAuthorization through eth_call. A revert means
// the settlement would fail on-chain; an RPC failure is returned as-is.
func (a *Adapter) simulate(ctx context.Context, token common.Address, auth *authorization) (bool, error) {
	callData, err := packTransferWithAuthorization(auth)
	if err != nil {
		return false, err
	}

	reverted := false
	err = a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		_, err := c.CallContract(ctx, ethereum.CallMsg{From: auth.From, To: &token, Data: callData}, nil)
		if err == nil {
			reverted = false
			return nil
		}
		if rpcpool.Unavailable(err) {
			return err
		}
		reverted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return !reverted, nil
}

// nodeVerdict classifies an error from a reachable node: availability
// problems keep failover behavior, anything else is the node's answer and
// is final.
func nodeVerdict(err error) error {
	if rpcpool.Unavailable(err) {
		return err
	}
	return rpcpool.MarkPermanent(err)
}
