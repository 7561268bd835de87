/**
 * @description
 * In-process implementation of the `Repository` interface. Each wallet owns a
 * weighted semaphore of size one that plays the role of the row lock; a unit
 * of work stages wallet copies and ledger records privately and publishes them
 * atomically on commit, before any lock is released.
 *
 * Used by the service when no DATABASE_URL is configured and by the tests.
 *
 * @dependencies
 * - golang.org/x/sync/semaphore: context-aware, timeout-bounded wallet locks.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"golang.org/x/sync/semaphore"
)

var (
	_ Repository  = (*MemoryRepository)(nil)
	_ JobRecorder = (*MemoryRepository)(nil)
)

// MemoryRepository keeps wallets, ledger records and job audit rows in memory.
type MemoryRepository struct {
	lockTimeout time.Duration
	now         func() time.Time

	mu           sync.Mutex
	wallets      map[int64]*domain.Wallet
	locks        map[int64]*semaphore.Weighted
	records      []*domain.LedgerRecord
	byKey        map[string]*domain.LedgerRecord
	pendingKeys  map[string]struct{}
	jobs         map[uuid.UUID]domain.NotificationJob
	nextWalletID int64
	nextRecordID int64
}

// NewMemoryRepository creates an empty repository. A non-positive lockTimeout
// makes lock acquisition wait as long as the caller's context allows.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		wallets:     make(map[int64]*domain.Wallet),
		locks:       make(map[int64]*semaphore.Weighted),
		byKey:       make(map[string]*domain.LedgerRecord),
		pendingKeys: make(map[string]struct{}),
		jobs:        make(map[uuid.UUID]domain.NotificationJob),
	}
}

// WithinTx runs fn as one unit of work.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	unit := &memoryTx{
		repo:   r,
		held:   make(map[int64]*semaphore.Weighted),
		staged: make(map[int64]*domain.Wallet),
	}
	defer unit.release()

	if err := fn(ctx, unit); err != nil {
		unit.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		unit.rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	unit.commit()
	return nil
}

// GetWallet returns a copy of the committed wallet.
func (r *MemoryRepository) GetWallet(_ context.Context, id int64) (*domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *wallet
	return &clone, nil
}

// ListWallets returns every wallet ordered by id descending.
func (r *MemoryRepository) ListWallets(_ context.Context) ([]domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallets := make([]domain.Wallet, 0, len(r.wallets))
	for _, wallet := range r.wallets {
		wallets = append(wallets, *wallet)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID > wallets[j].ID })
	return wallets, nil
}

// CreateWallet provisions a wallet with the next free id.
func (r *MemoryRepository) CreateWallet(_ context.Context, ownerRef string, balance decimal.Decimal, active bool) (*domain.Wallet, error) {
	if balance.IsNegative() {
		return nil, ErrNegativeBalance
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextWalletID++
	now := r.now()
	wallet := &domain.Wallet{
		ID:        r.nextWalletID,
		OwnerRef:  ownerRef,
		Balance:   balance.Round(domain.MoneyScale),
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.wallets[wallet.ID] = wallet
	r.locks[wallet.ID] = semaphore.NewWeighted(1)

	clone := *wallet
	return &clone, nil
}

// SetWalletActive flips the activity flag of a wallet.
func (r *MemoryRepository) SetWalletActive(_ context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	wallet.IsActive = active
	wallet.UpdatedAt = r.now()
	return nil
}

// FindByIdempotencyKey looks only at committed records.
func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, key string) (*domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byKey[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// ListLedgerRecordsByWallet returns records touching the wallet, most recent first.
func (r *MemoryRepository) ListLedgerRecordsByWallet(_ context.Context, walletID int64, limit int, offset int) ([]domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.LedgerRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		record := r.records[i]
		touches := record.WalletFromID == walletID || record.WalletToID == walletID ||
			(record.WalletFeeID != nil && *record.WalletFeeID == walletID)
		if touches {
			matched = append(matched, *record)
		}
	}
	return page(matched, limit, offset), nil
}

// ListLedgerRecordsSince returns records created at or after since, most recent first.
func (r *MemoryRepository) ListLedgerRecordsSince(_ context.Context, since time.Time, limit int) ([]domain.LedgerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.LedgerRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		if !r.records[i].CreatedAt.Before(since) {
			matched = append(matched, *r.records[i])
		}
	}
	return page(matched, limit, 0), nil
}

// RecordNotificationJob stores the latest state of a job.
func (r *MemoryRepository) RecordNotificationJob(_ context.Context, job domain.NotificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

// NotificationJob returns the last recorded state of a job.
func (r *MemoryRepository) NotificationJob(id uuid.UUID) (domain.NotificationJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

func (r *MemoryRepository) lockFor(id int64) (*semaphore.Weighted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[id]
	return sem, ok
}

func page(records []domain.LedgerRecord, limit int, offset int) []domain.LedgerRecord {
	if offset >= len(records) {
		return []domain.LedgerRecord{}
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// memoryTx is the unit of work of MemoryRepository.
type memoryTx struct {
	repo    *MemoryRepository
	held    map[int64]*semaphore.Weighted
	staged  map[int64]*domain.Wallet
	records []*domain.LedgerRecord
}

func (t *memoryTx) GetActiveForUpdate(ctx context.Context, id int64) (*domain.Wallet, error) {
	if wallet, ok := t.staged[id]; ok {
		clone := *wallet
		return &clone, nil
	}

	sem, ok := t.repo.lockFor(id)
	if !ok {
		return nil, ErrWalletNotFound
	}

	if _, held := t.held[id]; !held {
		lockCtx := ctx
		if t.repo.lockTimeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, t.repo.lockTimeout)
			defer cancel()
		}
		if err := sem.Acquire(lockCtx, 1); err != nil {
			return nil, fmt.Errorf("%w: wallet %d: %v", ErrLockTimeout, id, err)
		}
		t.held[id] = sem
	}

	t.repo.mu.Lock()
	current := *t.repo.wallets[id]
	t.repo.mu.Unlock()

	if !current.IsActive {
		return nil, ErrWalletInactive
	}
	t.staged[id] = &current
	clone := current
	return &clone, nil
}

func (t *memoryTx) Save(_ context.Context, wallet *domain.Wallet) error {
	if _, ok := t.staged[wallet.ID]; !ok {
		return ErrConcurrency
	}
	if wallet.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	staged := *wallet
	staged.UpdatedAt = t.repo.now()
	t.staged[wallet.ID] = &staged
	wallet.UpdatedAt = staged.UpdatedAt
	return nil
}

func (t *memoryTx) InsertLedgerRecord(_ context.Context, record *domain.LedgerRecord) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if _, ok := t.repo.byKey[record.IdempotencyKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, record.IdempotencyKey)
	}
	if _, ok := t.repo.pendingKeys[record.IdempotencyKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, record.IdempotencyKey)
	}
	t.repo.pendingKeys[record.IdempotencyKey] = struct{}{}

	t.repo.nextRecordID++
	now := t.repo.now()
	record.ID = t.repo.nextRecordID
	record.CreatedAt = now
	record.UpdatedAt = now

	clone := *record
	t.records = append(t.records, &clone)
	return nil
}

func (t *memoryTx) FindByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerRecord, error) {
	for _, record := range t.records {
		if record.IdempotencyKey == key {
			clone := *record
			return &clone, nil
		}
	}
	return t.repo.FindByIdempotencyKey(ctx, key)
}

func (t *memoryTx) commit() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for id, wallet := range t.staged {
		committed := *wallet
		t.repo.wallets[id] = &committed
	}
	for _, record := range t.records {
		delete(t.repo.pendingKeys, record.IdempotencyKey)
		t.repo.byKey[record.IdempotencyKey] = record
		t.repo.records = append(t.repo.records, record)
	}
}

func (t *memoryTx) rollback() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for _, record := range t.records {
		delete(t.repo.pendingKeys, record.IdempotencyKey)
	}
	t.records = nil
	t.staged = map[int64]*domain.Wallet{}
}

func (t *memoryTx) release() {
	for id, sem := range t.held {
		sem.Release(1)
		delete(t.held, id)
	}
}
