package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordStatus is the persisted status of a ledger record. The numeric values
// are stored as smallint.
type RecordStatus int16

const (
	RecordStatusPending   RecordStatus = 0
	RecordStatusCompleted RecordStatus = 1
	RecordStatusFailed    RecordStatus = 2
)

func (s RecordStatus) String() string {
	switch s {
	case RecordStatusPending:
		return "pending"
	case RecordStatusCompleted:
		return "completed"
	case RecordStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status can no longer change through the engine.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusCompleted || s == RecordStatusFailed
}

// RecordType classifies a ledger record. Only incoming transfers exist today.
type RecordType int16

const (
	RecordTypeIncoming RecordType = 0
)

func (t RecordType) String() string {
	if t == RecordTypeIncoming {
		return "incoming"
	}
	return "unknown"
}

// MaxIdempotencyKeyLength mirrors the varchar(64) column.
const MaxIdempotencyKeyLength = 64

// MaxDescriptionLength mirrors the varchar(300) column.
const MaxDescriptionLength = 300

// LedgerRecord is the immutable record of one completed transfer, including
// the optional fee split. AmountFrom always equals AmountTo + AmountFee.
type LedgerRecord struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"txid"`
	Status         RecordStatus    `json:"status"`
	Type           RecordType      `json:"type"`
	WalletFromID   int64           `json:"wallet_from_id"`
	WalletToID     int64           `json:"wallet_to_id"`
	WalletFeeID    *int64          `json:"wallet_fee_id,omitempty"`
	AmountFrom     decimal.Decimal `json:"amount_from"`
	AmountTo       decimal.Decimal `json:"amount_to"`
	AmountFee      decimal.Decimal `json:"amount_fee"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsBalanced checks the conservation invariant of the split.
func (r *LedgerRecord) IsBalanced() bool {
	return r.AmountFrom.Equal(r.AmountTo.Add(r.AmountFee))
}

// IdempotencyOutcome is what a previously accepted request resolved to.
type IdempotencyOutcome struct {
	IdempotencyKey string       `json:"txid"`
	TransactionID  int64        `json:"transaction_id"`
	Status         RecordStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}

// OutcomeOf projects a record onto its idempotency outcome.
func OutcomeOf(r *LedgerRecord) *IdempotencyOutcome {
	return &IdempotencyOutcome{
		IdempotencyKey: r.IdempotencyKey,
		TransactionID:  r.ID,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
	}
}
