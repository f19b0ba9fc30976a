package solana

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// errMintMismatch distinguishes a transfer of the wrong token from a
// structurally unacceptable transaction.
var errMintMismatch = errors.New("mint mismatch")

// computeBudgetProgramID is the Solana Compute Budget program.
var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// createIdempotentDiscriminator is the associated-token-account program's
// CreateIdempotent instruction index.
const createIdempotentDiscriminator = 1

// transfer is the validated payment extracted from a candidate
// transaction: exactly one SPL TransferChecked plus optionally compute
// budget and idempotent ATA creation instructions.
type transfer struct {
	Owner       solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
}

// extractTransfer walks the transaction's instruction list and enforces
// the allowed shape: compute budget instructions, an optional
// CreateIdempotent for the destination ATA, and exactly one
// TransferChecked. Any other instruction rejects the transaction.
func extractTransfer(tx *solana.Transaction, mint, destATA solana.PublicKey) (*transfer, error) {
	var found *transfer

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("resolve program id: %w", err)
		}

		switch {
		case prog.Equals(computeBudgetProgramID):
			// Fee tuning only; nothing to validate.

		case prog.Equals(solana.SPLAssociatedTokenAccountProgramID):
			if len(inst.Data) != 1 || inst.Data[0] != createIdempotentDiscriminator {
				return nil, fmt.Errorf("unexpected ATA instruction")
			}
			metas, err := resolveAccounts(tx, inst)
			if err != nil {
				return nil, err
			}
			// [1] is the account being created.
			if len(metas) < 2 || !metas[1].PublicKey.Equals(destATA) {
				return nil, fmt.Errorf("ATA creation targets a foreign account")
			}

		case prog.Equals(solana.TokenProgramID):
			if found != nil {
				return nil, fmt.Errorf("multiple token instructions")
			}
			metas, err := resolveAccounts(tx, inst)
			if err != nil {
				return nil, err
			}
			decoded, err := token.DecodeInstruction(metas, inst.Data)
			if err != nil {
				return nil, fmt.Errorf("decode token instruction: %w", err)
			}
			tc, ok := decoded.Impl.(*token.TransferChecked)
			if !ok {
				return nil, fmt.Errorf("token instruction is not TransferChecked")
			}
			if tc.Amount == nil {
				return nil, fmt.Errorf("TransferChecked missing amount")
			}
			found = &transfer{
				Owner:       tc.GetOwnerAccount().PublicKey,
				Source:      tc.GetSourceAccount().PublicKey,
				Destination: tc.GetDestinationAccount().PublicKey,
				Mint:        tc.GetMintAccount().PublicKey,
				Amount:      *tc.Amount,
			}

		default:
			return nil, fmt.Errorf("unexpected program %s", prog)
		}
	}

	if found == nil {
		return nil, fmt.Errorf("no TransferChecked instruction")
	}
	if !found.Mint.Equals(mint) {
		return nil, errMintMismatch
	}
	return found, nil
}

func resolveAccounts(tx *solana.Transaction, inst solana.CompiledInstruction) ([]*solana.AccountMeta, error) {
	metas := make([]*solana.AccountMeta, len(inst.Accounts))
	for i, idx := range inst.Accounts {
		if int(idx) >= len(tx.Message.AccountKeys) {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		pub := tx.Message.AccountKeys[idx]
		writable, err := tx.Message.IsWritable(pub)
		if err != nil {
			return nil, fmt.Errorf("resolve account %s: %w", pub, err)
		}
		metas[i] = &solana.AccountMeta{
			PublicKey:  pub,
			IsSigner:   tx.Message.IsSigner(pub),
			IsWritable: writable,
		}
	}
	return metas, nil
}

// verifyOwnerSignature checks that the transfer owner signed the message.
// The fee payer slot is expected to still be empty at verification time,
// so a full transaction signature check cannot be used.
func verifyOwnerSignature(tx *solana.Transaction, owner solana.PublicKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	idx := -1
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < numSigners && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(owner) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("owner %s is not a required signer", owner)
	}
	if idx >= len(tx.Signatures) {
		return fmt.Errorf("owner signature missing")
	}

	sig := tx.Signatures[idx]
	if sig == (solana.Signature{}) {
		return fmt.Errorf("owner signature empty")
	}
	if !ed25519.Verify(ed25519.PublicKey(owner[:]), msg, sig[:]) {
		return fmt.Errorf("owner signature invalid")
	}
	return nil
}
