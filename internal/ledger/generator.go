package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for balance sheet movements
type JournalGenerator struct {
	sheet *BalanceSheet // for pre-checks
}

func NewJournalGenerator(sheet *BalanceSheet) *JournalGenerator {
	return &JournalGenerator{sheet: sheet}
}

// GenerateDeposit credits a plain deposit.
// Moves funds: external:deposits → user
func (jg *JournalGenerator) GenerateDeposit(ref string, owner AccountID, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	return single(ref, ts, JournalTypeDeposit,
		NewUserAccountKey(owner, token),
		NewExternalAccountKey(ExternalDeposits, token),
		token, amount), nil
}

// GenerateWithdrawal debits a user for an outbound transfer.
// Moves funds: user → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(ref string, owner AccountID, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	if err := jg.sheet.ValidateSufficient(owner, token, amount); err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", token, err)
	}
	return single(ref, ts, JournalTypeWithdrawal,
		NewExternalAccountKey(ExternalWithdrawals, token),
		NewUserAccountKey(owner, token),
		token, amount), nil
}

// GenerateWithdrawalRefund reverses a withdrawal whose transfer did not land.
// Moves funds: external:withdrawals → user
func (jg *JournalGenerator) GenerateWithdrawalRefund(ref string, owner AccountID, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	return single(ref, ts, JournalTypeWithdrawalRefund,
		NewUserAccountKey(owner, token),
		NewExternalAccountKey(ExternalWithdrawals, token),
		token, amount), nil
}

// GenerateRetention books a deposit the pipeline kept after a rejection or failure.
// Moves funds: external:deposits → system:retained
func (jg *JournalGenerator) GenerateRetention(ref string, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("retained amount must be positive, got %d", amount)
	}
	return single(ref, ts, JournalTypeRetention,
		NewSystemAccountKey(SystemRetained, token),
		NewExternalAccountKey(ExternalDeposits, token),
		token, amount), nil
}

// GenerateShareCredit credits minted pool shares to a depositor.
// Moves funds: system:share_mint → user
func (jg *JournalGenerator) GenerateShareCredit(ref string, owner AccountID, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if _, ok := ParseShareToken(token); !ok {
		return nil, fmt.Errorf("%s is not a share token", token)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("share amount must be positive, got %d", amount)
	}
	return single(ref, ts, JournalTypeShareCredit,
		NewUserAccountKey(owner, token),
		NewSystemAccountKey(SystemShareMint, token),
		token, amount), nil
}

// GenerateOperationDebit moves a caller's balances into an operation run as
// one batch, so either every input is debited or none is.
// Moves funds: user → system:pools
func (jg *JournalGenerator) GenerateOperationDebit(ref string, owner AccountID, inputs []TokenAmount, ts time.Time) (*Batch, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("operation %s debits nothing", ref)
	}

	batchID := uuid.New()
	batch := &Batch{BatchID: batchID, EventRef: ref, Timestamp: ts.UnixMicro()}
	for _, in := range inputs {
		if in.Amount <= 0 {
			return nil, fmt.Errorf("operation input %s must be positive, got %d", in.Token, in.Amount)
		}
		if err := jg.sheet.ValidateSufficient(owner, in.Token, in.Amount); err != nil {
			return nil, fmt.Errorf("operation input %s: %w", in.Token, err)
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			DebitAccount:  NewSystemAccountKey(SystemPools, in.Token),
			CreditAccount: NewUserAccountKey(owner, in.Token),
			Token:         in.Token,
			Amount:        in.Amount,
			JournalType:   JournalTypeOperationDebit,
			Timestamp:     ts.UnixMicro(),
		})
	}
	return batch, nil
}

// GenerateOperationCredit books what an operation run produced back to the caller.
// Moves funds: system:pools → user
func (jg *JournalGenerator) GenerateOperationCredit(ref string, owner AccountID, token TokenID, amount int64, ts time.Time) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("operation credit must be positive, got %d", amount)
	}
	return single(ref, ts, JournalTypeOperationCredit,
		NewUserAccountKey(owner, token),
		NewSystemAccountKey(SystemPools, token),
		token, amount), nil
}

func single(ref string, ts time.Time, jt JournalType, debit, credit AccountKey, token TokenID, amount int64) *Batch {
	batchID := uuid.New()
	return &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Timestamp: ts.UnixMicro(),
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			DebitAccount:  debit,
			CreditAccount: credit,
			Token:         token,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     ts.UnixMicro(),
		}},
	}
}
