// Package solana settles exact-scheme payments on Solana by
// countersigning payer-built SPL token transfers as fee payer.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	"github.com/openx402/facilitator/chains"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/rpcpool"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
)

// Client is the slice of the Solana RPC surface the adapter uses.
// *rpc.Client satisfies it; tests substitute fakes.
type Client interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	IsBlockhashValid(ctx context.Context, blockhash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	GetHealth(ctx context.Context) (string, error)
}

var _ chains.Adapter = (*Adapter)(nil)

// Adapter verifies payer-signed SPL transfers and settles them by adding
// the fee-payer signature and broadcasting.
type Adapter struct {
	network types.Network
	pool    *rpcpool.Pool[Client]
	vault   *signer.Vault
	// finalized requires the cluster-finalized commitment before a
	// settlement counts as confirmed; otherwise "confirmed" suffices.
	finalized bool
	log       logger.Logger
}

// New builds an adapter over RPC clients for the given endpoints.
func New(network types.Network, rpcURLs []string, confirmations uint64, vault *signer.Vault, log logger.Logger) (*Adapter, error) {
	endpoints := make([]rpcpool.Endpoint[Client], 0, len(rpcURLs))
	for _, url := range rpcURLs {
		endpoints = append(endpoints, rpcpool.Endpoint[Client]{URL: url, Client: rpc.New(url)})
	}
	return NewWithEndpoints(network, endpoints, confirmations, vault, log)
}

// NewWithEndpoints builds an adapter over pre-constructed clients.
func NewWithEndpoints(network types.Network, endpoints []rpcpool.Endpoint[Client], confirmations uint64, vault *signer.Vault, log logger.Logger) (*Adapter, error) {
	pool, err := rpcpool.New(string(network), endpoints)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		network:   network,
		pool:      pool,
		vault:     vault,
		finalized: confirmations > 1,
		log:       log.With(map[string]any{"chain": string(network)}),
	}, nil
}

func (a *Adapter) Network() types.Network { return a.network }

func (a *Adapter) SignerAddress() string {
	addr, err := a.vault.SolanaAddress(a.network)
	if err != nil {
		return ""
	}
	return addr.String()
}

// Healthy reports whether any RPC endpoint answers a health query.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.pool.Healthy(ctx, func(ctx context.Context, c Client) error {
		_, err := c.GetHealth(ctx)
		return err
	})
}

func (a *Adapter) Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (types.VerificationResult, error) {
	tx, result := a.decode(payload)
	if result != nil {
		return *result, nil
	}

	mint, err := solana.PublicKeyFromBase58(reqs.Asset)
	if err != nil {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}
	payTo, err := solana.PublicKeyFromBase58(reqs.PayTo)
	if err != nil {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}

	// The fee payer slot must name this facilitator's signer, or the
	// countersignature at settlement cannot complete the transaction.
	// Without a configured key that can never happen, so the payment is
	// rejected rather than verified against a weaker check.
	feePayer, err := a.vault.SolanaAddress(a.network)
	if err != nil {
		return types.Invalid(types.ReasonSignerUnavailable), nil
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(feePayer) {
		return types.Invalid(types.ReasonInvalidPayload), nil
	}

	xfer, err := extractTransfer(tx, mint, destATA)
	if err != nil {
		if errors.Is(err, errMintMismatch) {
			return types.Invalid(types.ReasonAssetMismatch), nil
		}
		return types.Invalid(types.ReasonMalformedTransaction), nil
	}
	payer := xfer.Owner.String()

	if !xfer.Destination.Equals(destATA) {
		return types.Invalid(types.ReasonRecipientMismatch).WithPayer(payer), nil
	}

	required, err := decimal.NewFromString(reqs.MaxAmountRequired)
	if err != nil {
		return types.Invalid(types.ReasonInvalidRequirements), nil
	}
	if decimal.NewFromBigInt(new(big.Int).SetUint64(xfer.Amount), 0).LessThan(required) {
		return types.Invalid(types.ReasonInsufficientAmount).WithPayer(payer), nil
	}

	if err := verifyOwnerSignature(tx, xfer.Owner); err != nil {
		return types.Invalid(types.ReasonSignatureMismatch).WithPayer(payer), nil
	}

	// The cluster only accepts a transaction while its recent blockhash
	// is still within the replay window. One that has aged out would
	// pass every local check here and then be unsettleable.
	current, err := a.blockhashCurrent(ctx, tx.Message.RecentBlockhash)
	if err != nil {
		return types.VerificationResult{}, err
	}
	if !current {
		return types.Invalid(types.ReasonAuthorizationExpired).WithPayer(payer), nil
	}

	return types.VerificationResult{IsValid: true, Payer: payer}, nil
}

// blockhashCurrent asks the cluster whether the transaction's recent
// blockhash is still accepted, at processed commitment so a freshly
// issued hash is not reported stale.
func (a *Adapter) blockhashCurrent(ctx context.Context, blockhash solana.Hash) (bool, error) {
	var current bool
	err := a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		out, err := c.IsBlockhashValid(ctx, blockhash, rpc.CommitmentProcessed)
		if err != nil {
			return err
		}
		current = out != nil && out.Value
		return nil
	})
	return current, err
}

// settlementTx carries the decoded transaction between build, sign, and
// broadcast.
type settlementTx struct {
	tx *solana.Transaction
}

func (a *Adapter) BuildTransaction(_ context.Context, payload *types.PaymentPayload, _ *types.PaymentRequirements) (chains.Tx, error) {
	tx, result := a.decode(payload)
	if result != nil {
		return nil, fmt.Errorf("solana: %s", result.InvalidReason)
	}
	return &settlementTx{tx: tx}, nil
}

func (a *Adapter) Sign(_ context.Context, tx chains.Tx) (chains.Tx, error) {
	st, ok := tx.(*settlementTx)
	if !ok {
		return nil, fmt.Errorf("solana: unexpected tx type %T", tx)
	}
	if err := a.vault.PartialSignSolana(a.network, st.tx); err != nil {
		return nil, err
	}
	return st, nil
}

func (a *Adapter) Broadcast(ctx context.Context, tx chains.Tx) (string, error) {
	st, ok := tx.(*settlementTx)
	if !ok {
		return "", fmt.Errorf("solana: unexpected tx type %T", tx)
	}

	var sig solana.Signature
	err := a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		var err error
		sig, err = c.SendTransaction(ctx, st.tx)
		if err == nil {
			return nil
		}
		// A structured RPC error is the node's verdict on the
		// transaction itself, not an availability problem.
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && !rpcpool.Unavailable(err) {
			return rpcpool.MarkPermanent(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}

	a.log.Info("settlement transaction broadcast", map[string]any{"tx": sig.String()})
	return sig.String(), nil
}

func (a *Adapter) Confirm(ctx context.Context, txID string) (chains.Confirmation, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return chains.Confirmation{}, fmt.Errorf("solana: invalid signature %q: %w", txID, err)
	}

	var conf chains.Confirmation
	err = a.pool.Do(ctx, func(ctx context.Context, c Client) error {
		out, err := c.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			conf = chains.Confirmation{Status: chains.StatusPending}
			return nil
		}
		status := out.Value[0]
		if status.Err != nil {
			conf = chains.Confirmation{Status: chains.StatusReverted, Reason: types.ReasonTransactionReverted}
			return nil
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusFinalized:
			conf = chains.Confirmation{Status: chains.StatusConfirmed}
		case rpc.ConfirmationStatusConfirmed:
			if a.finalized {
				conf = chains.Confirmation{Status: chains.StatusPending}
			} else {
				conf = chains.Confirmation{Status: chains.StatusConfirmed}
			}
		default:
			conf = chains.Confirmation{Status: chains.StatusPending}
		}
		return nil
	})
	if err != nil {
		return chains.Confirmation{}, err
	}
	return conf, nil
}

func (a *Adapter) decode(payload *types.PaymentPayload) (*solana.Transaction, *types.VerificationResult) {
	raw, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		r := types.Invalid(types.ReasonInvalidPayload)
		return nil, &r
	}

	var solPayload types.SolanaPayload
	txBytes := raw
	// The opaque payload is either the wrapped JSON form or the bare
	// serialized transaction.
	if err := json.Unmarshal(raw, &solPayload); err == nil && solPayload.Transaction != "" {
		txBytes, err = base64.StdEncoding.DecodeString(solPayload.Transaction)
		if err != nil {
			r := types.Invalid(types.ReasonInvalidPayload)
			return nil, &r
		}
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(txBytes))
	if err != nil {
		r := types.Invalid(types.ReasonMalformedTransaction)
		return nil, &r
	}
	return tx, nil
}
