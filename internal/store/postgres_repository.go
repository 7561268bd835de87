/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Wallet locks are row locks taken with `SELECT ... FOR UPDATE`
 * inside one database transaction per unit of work; the wait for a contended
 * row is bounded with `SET LOCAL lock_timeout`.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: numeric(18,8) values travel as text and are
 *   parsed into decimals so no float conversion ever happens.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	pgUniqueViolation  = "23505"
	pgCheckViolation   = "23514"
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
	pgQueryCanceled    = "57014"
)

const walletColumns = `id, owner_ref, balance::text, is_active, created_at, updated_at`

const ledgerColumns = `
	id, idempotency_key, status, type, wallet_from_id, wallet_to_id, wallet_fee_id,
	amount_from::text, amount_to::text, amount_fee::text, description, created_at, updated_at`

var (
	_ Repository  = (*PostgresRepository)(nil)
	_ JobRecorder = (*PostgresRepository)(nil)
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. A
// non-positive lockTimeout leaves the server default in place.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// WithinTx runs fn inside a READ COMMITTED transaction. Row locks taken by fn
// are released when the transaction commits or rolls back.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPgError(err))
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", mapPgError(err))
		}
	}

	unit := &postgresTx{tx: tx, locked: make(map[int64]bool)}
	if err := fn(ctx, unit); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}
	return nil
}

// GetWallet reads a wallet without locking it.
func (r *PostgresRepository) GetWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	wallet, err := scanWallet(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, mapPgError(err)
	}
	return wallet, nil
}

// ListWallets returns every wallet ordered by id descending.
func (r *PostgresRepository) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id DESC`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *wallet)
	}
	return wallets, rows.Err()
}

// CreateWallet inserts a wallet. The engine never calls this; wallets are
// provisioned by the owning profile service or by seeding.
func (r *PostgresRepository) CreateWallet(ctx context.Context, ownerRef string, balance decimal.Decimal, active bool) (*domain.Wallet, error) {
	query := `
		INSERT INTO wallets (owner_ref, balance, is_active)
		VALUES ($1, $2::numeric, $3)
		RETURNING ` + walletColumns
	wallet, err := scanWallet(r.db.QueryRow(ctx, query, ownerRef, balance.StringFixed(domain.MoneyScale), active))
	if err != nil {
		return nil, mapPgError(err)
	}
	return wallet, nil
}

// SetWalletActive flips the activity flag of a wallet.
func (r *PostgresRepository) SetWalletActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE wallets SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// FindByIdempotencyKey returns the committed record for key.
func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerRecord, error) {
	return findByIdempotencyKey(ctx, r.db, key)
}

// ListLedgerRecordsByWallet returns records where the wallet is source,
// destination or fee sink, most recent first.
func (r *PostgresRepository) ListLedgerRecordsByWallet(ctx context.Context, walletID int64, limit int, offset int) ([]domain.LedgerRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_records
		WHERE wallet_from_id = $1 OR wallet_to_id = $1 OR wallet_fee_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectLedgerRecords(rows)
}

// ListLedgerRecordsSince returns records created at or after since, most recent first.
func (r *PostgresRepository) ListLedgerRecordsSince(ctx context.Context, since time.Time, limit int) ([]domain.LedgerRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_records
		WHERE created_at >= $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectLedgerRecords(rows)
}

// RecordNotificationJob upserts the audit row for a notification job.
func (r *PostgresRepository) RecordNotificationJob(ctx context.Context, job domain.NotificationJob) error {
	query := `
		INSERT INTO notification_jobs (id, subject_id, state, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, job.ID, job.SubjectID, string(job.State), job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt)
	return mapPgError(err)
}

// postgresTx is the unit of work handed to WithinTx callbacks.
type postgresTx struct {
	tx     pgx.Tx
	locked map[int64]bool
}

// GetActiveForUpdate locks the wallet row for the rest of the transaction.
func (t *postgresTx) GetActiveForUpdate(ctx context.Context, id int64) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`
	wallet, err := scanWallet(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, mapPgError(err)
	}
	t.locked[id] = true
	if !wallet.IsActive {
		return nil, ErrWalletInactive
	}
	return wallet, nil
}

// Save writes the balance of a wallet previously locked in this transaction.
func (t *postgresTx) Save(ctx context.Context, wallet *domain.Wallet) error {
	if !t.locked[wallet.ID] {
		return ErrConcurrency
	}
	if wallet.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	query := `UPDATE wallets SET balance = $1::numeric, updated_at = NOW() WHERE id = $2 RETURNING updated_at`
	if err := t.tx.QueryRow(ctx, query, wallet.Balance.StringFixed(domain.MoneyScale), wallet.ID).Scan(&wallet.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWalletNotFound
		}
		return mapPgError(err)
	}
	return nil
}

// InsertLedgerRecord appends a record within the transaction.
func (t *postgresTx) InsertLedgerRecord(ctx context.Context, record *domain.LedgerRecord) error {
	query := `
		INSERT INTO ledger_records (
			idempotency_key,
			status,
			type,
			wallet_from_id,
			wallet_to_id,
			wallet_fee_id,
			amount_from,
			amount_to,
			amount_fee,
			description
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10)
		RETURNING id, created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		record.IdempotencyKey,
		int16(record.Status),
		int16(record.Type),
		record.WalletFromID,
		record.WalletToID,
		record.WalletFeeID,
		record.AmountFrom.StringFixed(domain.MoneyScale),
		record.AmountTo.StringFixed(domain.MoneyScale),
		record.AmountFee.StringFixed(domain.MoneyScale),
		record.Description,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	return mapPgError(err)
}

// FindByIdempotencyKey sees records committed before this statement started,
// which includes a racing duplicate that released its locks before ours were granted.
func (t *postgresTx) FindByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerRecord, error) {
	return findByIdempotencyKey(ctx, t.tx, key)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findByIdempotencyKey(ctx context.Context, q queryRower, key string) (*domain.LedgerRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_records WHERE idempotency_key = $1`
	record, err := scanLedgerRecord(q.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, mapPgError(err)
	}
	return record, nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var wallet domain.Wallet
	var balance string
	if err := row.Scan(&wallet.ID, &wallet.OwnerRef, &balance, &wallet.IsActive, &wallet.CreatedAt, &wallet.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q for wallet %d: %w", balance, wallet.ID, err)
	}
	wallet.Balance = parsed
	return &wallet, nil
}

func scanLedgerRecord(row pgx.Row) (*domain.LedgerRecord, error) {
	var record domain.LedgerRecord
	var status, typ int16
	var amountFrom, amountTo, amountFee string
	err := row.Scan(
		&record.ID,
		&record.IdempotencyKey,
		&status,
		&typ,
		&record.WalletFromID,
		&record.WalletToID,
		&record.WalletFeeID,
		&amountFrom,
		&amountTo,
		&amountFee,
		&record.Description,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = domain.RecordStatus(status)
	record.Type = domain.RecordType(typ)

	for _, field := range []struct {
		raw  string
		dest *decimal.Decimal
	}{
		{amountFrom, &record.AmountFrom},
		{amountTo, &record.AmountTo},
		{amountFee, &record.AmountFee},
	} {
		value, err := decimal.NewFromString(field.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q on record %d: %w", field.raw, record.ID, err)
		}
		*field.dest = value
	}
	return &record, nil
}

func collectLedgerRecords(rows pgx.Rows) ([]domain.LedgerRecord, error) {
	defer rows.Close()

	var records []domain.LedgerRecord
	for rows.Next() {
		record, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// mapPgError translates SQLSTATEs the engine cares about into store sentinels,
// keeping the driver error in the chain.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, pgErr.ConstraintName)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", ErrNegativeBalance, pgErr.ConstraintName)
		case pgLockNotAvailable, pgDeadlockDetected, pgQueryCanceled:
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}
