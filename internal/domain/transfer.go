package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferRequest is a transfer that already passed boundary validation.
type TransferRequest struct {
	WalletFromID   int64           `json:"wallet_from_id"`
	WalletToID     int64           `json:"wallet_to_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"txid"`
	Description    string          `json:"description,omitempty"`
}

// TransferResult is returned by the engine. When Replayed is set the request
// was already handled and only Outcome is populated; balances are untouched.
type TransferResult struct {
	Record            *LedgerRecord
	WalletFromBalance decimal.Decimal
	WalletToBalance   decimal.Decimal
	Replayed          bool
	Outcome           *IdempotencyOutcome
}

// TransferCompletedEvent is handed to the notification side after commit.
type TransferCompletedEvent struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"txid"`
	TransactionID  int64           `json:"transaction_id"`
	WalletFromID   int64           `json:"wallet_from_id"`
	WalletToID     int64           `json:"wallet_to_id"`
	AmountFrom     decimal.Decimal `json:"amount_from"`
	AmountFee      decimal.Decimal `json:"amount_fee"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
