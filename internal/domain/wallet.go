/**
 * @description
 * This file defines the wallet entity and the ledger record that the transfer
 * engine produces. These structs map directly to the `wallets` and
 * `ledger_records` tables.
 *
 * @notes
 * - Money is carried as `decimal.Decimal` at scale 8 (numeric(18,8) in the
 *   database). Floats never touch balances.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits stored for every amount.
const MoneyScale int32 = 8

// Wallet is a balance-holding account owned by an external profile.
type Wallet struct {
	ID        int64           `json:"id"`
	OwnerRef  string          `json:"owner_ref"`
	Balance   decimal.Decimal `json:"balance"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CanCover reports whether the wallet holds at least amount.
func (w *Wallet) CanCover(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

// Debit removes amount from the balance. Callers check CanCover first.
func (w *Wallet) Debit(amount decimal.Decimal) {
	w.Balance = w.Balance.Sub(amount)
}

// Credit adds amount to the balance.
func (w *Wallet) Credit(amount decimal.Decimal) {
	w.Balance = w.Balance.Add(amount)
}
