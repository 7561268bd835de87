/**
 * @description
 * This file defines the storage contracts used by the ledger-service. The
 * transfer engine only ever mutates balances through a `Tx`, the unit of work
 * handed to it by `Repository.WithinTx`. Everything outside a `Tx` is read-only
 * from the engine's point of view.
 *
 * @dependencies
 * - internal/domain: wallet, ledger record and notification job models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrWalletInactive          = errors.New("wallet is inactive")
	ErrRecordNotFound          = errors.New("ledger record not found")
	ErrDuplicateIdempotencyKey = errors.New("ledger record with this idempotency key already exists")
	ErrLockTimeout             = errors.New("timed out waiting for wallet lock")
	ErrConcurrency             = errors.New("wallet was not locked by this unit of work")
	ErrNegativeBalance         = errors.New("wallet balance would become negative")
)

// WalletStore is the locked wallet access available inside a unit of work.
type WalletStore interface {
	// GetActiveForUpdate locks the wallet row until the unit of work ends.
	// Concurrent callers for the same wallet block until then or until the
	// store's lock timeout elapses (ErrLockTimeout).
	GetActiveForUpdate(ctx context.Context, id int64) (*domain.Wallet, error)
	Save(ctx context.Context, wallet *domain.Wallet) error
}

// LedgerReader resolves ledger records by idempotency key. Both Repository and
// Tx satisfy it, so the same lookup runs inside and outside a unit of work.
type LedgerReader interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerRecord, error)
}

// LedgerStore appends ledger records.
type LedgerStore interface {
	LedgerReader
	// InsertLedgerRecord assigns ID and timestamps on success. A clash on the
	// idempotency key returns ErrDuplicateIdempotencyKey.
	InsertLedgerRecord(ctx context.Context, record *domain.LedgerRecord) error
}

// Tx is the unit of work: every call shares one database transaction.
type Tx interface {
	WalletStore
	LedgerStore
}

// Repository is the full storage surface of the service.
type Repository interface {
	LedgerReader

	// WithinTx runs fn in a single unit of work. The unit commits only if fn
	// returns nil; any error rolls every mutation back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetWallet(ctx context.Context, id int64) (*domain.Wallet, error)
	ListWallets(ctx context.Context) ([]domain.Wallet, error)
	CreateWallet(ctx context.Context, ownerRef string, balance decimal.Decimal, active bool) (*domain.Wallet, error)
	SetWalletActive(ctx context.Context, id int64, active bool) error

	ListLedgerRecordsByWallet(ctx context.Context, walletID int64, limit int, offset int) ([]domain.LedgerRecord, error)
	ListLedgerRecordsSince(ctx context.Context, since time.Time, limit int) ([]domain.LedgerRecord, error)
}

// JobRecorder persists notification job audit state. It never touches
// wallets or ledger records.
type JobRecorder interface {
	RecordNotificationJob(ctx context.Context, job domain.NotificationJob) error
}
