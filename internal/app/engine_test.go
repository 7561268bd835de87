package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

type recordingScheduler struct {
	mu     sync.Mutex
	events []domain.TransferCompletedEvent
	err    error
}

func (s *recordingScheduler) Schedule(ctx context.Context, event domain.TransferCompletedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type engineFixture struct {
	engine    *TransferEngine
	repo      *store.MemoryRepository
	scheduler *recordingScheduler
	feeWallet int64
	walletA   int64
	walletB   int64
}

// newEngineFixture seeds the fee wallet first so it gets id 1, matching the
// default fee policy.
func newEngineFixture(t *testing.T, balanceA, balanceB string) *engineFixture {
	t.Helper()
	repo := store.NewMemoryRepository(2 * time.Second)
	ctx := context.Background()

	fee, err := repo.CreateWallet(ctx, "fees", decimal.Zero, true)
	require.NoError(t, err)
	require.Equal(t, DefaultFeeWalletID, fee.ID)
	a, err := repo.CreateWallet(ctx, "alice", decimal.RequireFromString(balanceA), true)
	require.NoError(t, err)
	b, err := repo.CreateWallet(ctx, "bob", decimal.RequireFromString(balanceB), true)
	require.NoError(t, err)

	scheduler := &recordingScheduler{}
	engine := NewTransferEngine(repo, NewIdempotencyGuard(nil, nil), scheduler, DefaultEngineConfig(), nil)
	return &engineFixture{engine: engine, repo: repo, scheduler: scheduler, feeWallet: fee.ID, walletA: a.ID, walletB: b.ID}
}

func (f *engineFixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	wallet, err := f.repo.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return wallet.Balance
}

func (f *engineFixture) total(t *testing.T) decimal.Decimal {
	t.Helper()
	wallets, err := f.repo.ListWallets(context.Background())
	require.NoError(t, err)
	sum := decimal.Zero
	for _, w := range wallets {
		sum = sum.Add(w.Balance)
	}
	return sum
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func transfer(from, to int64, amount, key string) domain.TransferRequest {
	return domain.TransferRequest{
		WalletFromID:   from,
		WalletToID:     to,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	}
}

func TestExecute_FeeAboveThreshold(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")

	result, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "1500", "tx-1"))
	require.NoError(t, err)
	require.False(t, result.Replayed)

	record := result.Record
	assertDecimal(t, "1500", record.AmountFrom)
	assertDecimal(t, "1350", record.AmountTo)
	assertDecimal(t, "150", record.AmountFee)
	require.NotNil(t, record.WalletFeeID)
	assert.Equal(t, f.feeWallet, *record.WalletFeeID)
	assert.Equal(t, domain.RecordStatusCompleted, record.Status)
	assert.True(t, record.IsBalanced())

	assertDecimal(t, "3500", result.WalletFromBalance)
	assertDecimal(t, "1350", result.WalletToBalance)
	assertDecimal(t, "3500", f.balance(t, f.walletA))
	assertDecimal(t, "1350", f.balance(t, f.walletB))
	assertDecimal(t, "150", f.balance(t, f.feeWallet))

	require.Equal(t, 1, f.scheduler.count())
	assert.Equal(t, "tx-1", f.scheduler.events[0].IdempotencyKey)
	assert.Equal(t, record.ID, f.scheduler.events[0].TransactionID)
}

func TestExecute_ReplayLeavesBalancesUntouched(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")
	req := transfer(f.walletA, f.walletB, "1500", "tx-1")

	first, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)

	second, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.NotNil(t, second.Outcome)
	assert.Equal(t, first.Record.ID, second.Outcome.TransactionID)
	assert.Equal(t, domain.RecordStatusCompleted, second.Outcome.Status)
	assert.Nil(t, second.Record)

	assertDecimal(t, "3500", f.balance(t, f.walletA))
	assertDecimal(t, "1350", f.balance(t, f.walletB))
	assert.Equal(t, 1, f.scheduler.count())
}

func TestExecute_BelowThresholdCarriesNoFee(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")

	result, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "500", "tx-2"))
	require.NoError(t, err)

	assert.Nil(t, result.Record.WalletFeeID)
	assertDecimal(t, "0", result.Record.AmountFee)
	assertDecimal(t, "500", result.Record.AmountTo)
	assertDecimal(t, "4500", f.balance(t, f.walletA))
	assertDecimal(t, "500", f.balance(t, f.walletB))
	assertDecimal(t, "0", f.balance(t, f.feeWallet))
}

func TestExecute_FeeThresholdIsStrict(t *testing.T) {
	cases := []struct {
		amount string
		fee    string
		to     string
	}{
		{amount: "1000", fee: "0", to: "1000"},
		{amount: "1000.01", fee: "100.001", to: "900.009"},
		{amount: "999.99", fee: "0", to: "999.99"},
	}

	for i, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			f := newEngineFixture(t, "5000", "0")
			result, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, tc.amount, fmt.Sprintf("boundary-%d", i)))
			require.NoError(t, err)
			assertDecimal(t, tc.fee, result.Record.AmountFee)
			assertDecimal(t, tc.to, result.Record.AmountTo)
			assert.True(t, result.Record.IsBalanced())
			assertDecimal(t, "5000", f.total(t))
		})
	}
}

func TestComputeFee_RoundsHalfEvenAtMoneyScale(t *testing.T) {
	cfg := DefaultEngineConfig()

	fee, to := cfg.ComputeFee(decimal.RequireFromString("1000.00000005"))
	assertDecimal(t, "100", fee)
	assertDecimal(t, "900.00000005", to)

	fee, to = cfg.ComputeFee(decimal.RequireFromString("1000.00000015"))
	assertDecimal(t, "100.00000002", fee)
	assertDecimal(t, "900.00000013", to)
}

func TestExecute_SelfTransferRejectedBeforeAnyLock(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")

	_, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletA, "10", "self"))
	require.ErrorIs(t, err, ErrInvalidRequest)

	records, err := f.repo.ListLedgerRecordsByWallet(context.Background(), f.walletA, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assertDecimal(t, "5000", f.balance(t, f.walletA))
}

func TestExecute_InvalidRequests(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")
	long := make([]byte, domain.MaxIdempotencyKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}

	cases := map[string]domain.TransferRequest{
		"zero amount":       transfer(f.walletA, f.walletB, "0", "z"),
		"negative amount":   transfer(f.walletA, f.walletB, "-5", "n"),
		"too many decimals": transfer(f.walletA, f.walletB, "1.000000001", "d"),
		"empty key":         transfer(f.walletA, f.walletB, "1", ""),
		"oversized key":     transfer(f.walletA, f.walletB, "1", string(long)),
		"non-positive id":   transfer(0, f.walletB, "1", "id"),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Execute(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
		})
	}
	assert.Equal(t, 0, f.scheduler.count())
}

func TestExecute_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newEngineFixture(t, "100", "0")

	_, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "100.01", "poor"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assertDecimal(t, "100", f.balance(t, f.walletA))
	assertDecimal(t, "0", f.balance(t, f.walletB))
	_, err = f.repo.FindByIdempotencyKey(context.Background(), "poor")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	assert.Equal(t, 0, f.scheduler.count())

	// Spending the exact balance is allowed.
	_, err = f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "100", "exact"))
	require.NoError(t, err)
	assertDecimal(t, "0", f.balance(t, f.walletA))
}

func TestExecute_MissingOrInactiveWallet(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")

	_, err := f.engine.Execute(context.Background(), transfer(f.walletA, 404, "10", "missing"))
	require.ErrorIs(t, err, ErrWalletNotFound)

	require.NoError(t, f.repo.SetWalletActive(context.Background(), f.walletB, false))
	_, err = f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "10", "inactive"))
	require.ErrorIs(t, err, ErrWalletInactive)

	// An inactive fee wallet only matters when a fee applies.
	require.NoError(t, f.repo.SetWalletActive(context.Background(), f.walletB, true))
	require.NoError(t, f.repo.SetWalletActive(context.Background(), f.feeWallet, false))
	_, err = f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "10", "small"))
	require.NoError(t, err)
	_, err = f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "2000", "large"))
	require.ErrorIs(t, err, ErrWalletInactive)

	assertDecimal(t, "4990", f.balance(t, f.walletA))
}

func TestExecute_FeeWalletAsRecipient(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")

	result, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.feeWallet, "2000", "to-fee"))
	require.NoError(t, err)
	assertDecimal(t, "3000", f.balance(t, f.walletA))
	assertDecimal(t, "2000", f.balance(t, f.feeWallet))
	assertDecimal(t, "2000", result.WalletToBalance)
}

func TestExecute_SchedulerFailureDoesNotFailTransfer(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")
	f.scheduler.err = errors.New("broker down")

	result, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "10", "sched"))
	require.NoError(t, err)
	assert.NotNil(t, result.Record)
	assertDecimal(t, "4990", f.balance(t, f.walletA))
}

func TestExecute_ConcurrentSameKeyCommitsOnce(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")
	req := transfer(f.walletA, f.walletB, "1500", "tx-race")

	const n = 16
	var wg sync.WaitGroup
	results := make(chan *domain.TransferResult, n)
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.engine.Execute(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(errs)

	committed := 0
	for result := range results {
		if !result.Replayed {
			committed++
		}
	}
	for err := range errs {
		assert.Contains(t, []ErrorKind{KindDuplicateSubmission, KindTransientStoreFailure}, KindOf(err), "unexpected error: %v", err)
	}

	assert.Equal(t, 1, committed)
	assertDecimal(t, "3500", f.balance(t, f.walletA))
	assertDecimal(t, "1350", f.balance(t, f.walletB))
	assertDecimal(t, "150", f.balance(t, f.feeWallet))
	assert.Equal(t, 1, f.scheduler.count())
}

func TestExecute_OppositeDirectionsNeverDeadlock(t *testing.T) {
	f := newEngineFixture(t, "1000", "1000")

	const perDirection = 40
	var wg sync.WaitGroup
	errs := make(chan error, 2*perDirection)
	for i := 0; i < perDirection; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, "1", fmt.Sprintf("ab-%d", i)))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Execute(context.Background(), transfer(f.walletB, f.walletA, "1", fmt.Sprintf("ba-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assertDecimal(t, "1000", f.balance(t, f.walletA))
	assertDecimal(t, "1000", f.balance(t, f.walletB))
}

func TestExecute_RandomTransfersConserveTotal(t *testing.T) {
	f := newEngineFixture(t, "20000", "20000")
	wallets := []int64{f.feeWallet, f.walletA, f.walletB}
	amounts := []string{"0.01", "7.5", "999.99", "1000", "1000.01", "1234.56789", "2500"}
	rng := rand.New(rand.NewSource(7))

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		from := wallets[rng.Intn(len(wallets))]
		to := wallets[rng.Intn(len(wallets))]
		amount := amounts[rng.Intn(len(amounts))]
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Execute(context.Background(), transfer(from, to, amount, fmt.Sprintf("rnd-%d", i)))
			if err != nil {
				kind := KindOf(err)
				assert.Contains(t, []ErrorKind{KindInvalidRequest, KindInsufficientFunds}, kind, "unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assertDecimal(t, "40000", f.total(t))
	for _, id := range wallets {
		assert.False(t, f.balance(t, id).IsNegative(), "wallet %d went negative", id)
	}
}

func TestLockOrder(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 7}, LockOrder(7, 1, 2))
	assert.Equal(t, []int64{1, 3}, LockOrder(3, 1, 3))
	assert.Equal(t, LockOrder(9, 4), LockOrder(4, 9))
	assert.Empty(t, LockOrder())
}

// duplicateRepoStub simulates losing the unique-index race: the unit of work
// fails with a duplicate key and the winner becomes visible afterwards.
type duplicateRepoStub struct {
	*store.MemoryRepository
	unitErr   error
	winner    *domain.LedgerRecord
	lookups   int
	visibleAt int
}

func (s *duplicateRepoStub) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.unitErr
}

func (s *duplicateRepoStub) FindByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerRecord, error) {
	s.lookups++
	if s.winner != nil && s.lookups >= s.visibleAt {
		return s.winner, nil
	}
	return nil, store.ErrRecordNotFound
}

func newStubEngine(t *testing.T, stub *duplicateRepoStub) *TransferEngine {
	t.Helper()
	ctx := context.Background()
	stub.MemoryRepository = store.NewMemoryRepository(time.Second)
	_, err := stub.MemoryRepository.CreateWallet(ctx, "fees", decimal.Zero, true)
	require.NoError(t, err)
	_, err = stub.MemoryRepository.CreateWallet(ctx, "a", decimal.NewFromInt(100), true)
	require.NoError(t, err)
	_, err = stub.MemoryRepository.CreateWallet(ctx, "b", decimal.Zero, true)
	require.NoError(t, err)
	return NewTransferEngine(stub, nil, nil, DefaultEngineConfig(), nil)
}

func TestExecute_UniqueViolationReportsWinner(t *testing.T) {
	stub := &duplicateRepoStub{
		unitErr:   fmt.Errorf("insert: %w", store.ErrDuplicateIdempotencyKey),
		winner:    &domain.LedgerRecord{ID: 42, IdempotencyKey: "dup", Status: domain.RecordStatusCompleted},
		visibleAt: 2,
	}
	engine := newStubEngine(t, stub)

	_, err := engine.Execute(context.Background(), transfer(2, 3, "10", "dup"))
	require.ErrorIs(t, err, ErrDuplicateSubmission)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	require.NotNil(t, te.Outcome)
	assert.Equal(t, int64(42), te.Outcome.TransactionID)
}

func TestExecute_UniqueViolationWithoutVisibleWinnerIsTransient(t *testing.T) {
	stub := &duplicateRepoStub{unitErr: fmt.Errorf("insert: %w", store.ErrDuplicateIdempotencyKey)}
	engine := newStubEngine(t, stub)

	_, err := engine.Execute(context.Background(), transfer(2, 3, "10", "dup"))
	require.ErrorIs(t, err, ErrTransientStoreFailure)
}

func TestExecute_LockTimeoutIsTransient(t *testing.T) {
	stub := &duplicateRepoStub{unitErr: fmt.Errorf("lock wallet 2: %w", store.ErrLockTimeout)}
	engine := newStubEngine(t, stub)

	_, err := engine.Execute(context.Background(), transfer(2, 3, "10", "slow"))
	require.ErrorIs(t, err, ErrTransientStoreFailure)
	assert.True(t, errors.Is(err, store.ErrLockTimeout))
}

func TestExecute_HeldLockTimesOutAsTransient(t *testing.T) {
	repo := store.NewMemoryRepository(30 * time.Millisecond)
	ctx := context.Background()
	_, err := repo.CreateWallet(ctx, "fees", decimal.Zero, true)
	require.NoError(t, err)
	a, err := repo.CreateWallet(ctx, "a", decimal.NewFromInt(100), true)
	require.NoError(t, err)
	b, err := repo.CreateWallet(ctx, "b", decimal.Zero, true)
	require.NoError(t, err)
	engine := NewTransferEngine(repo, nil, nil, DefaultEngineConfig(), nil)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.GetActiveForUpdate(ctx, a.ID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	_, err = engine.Execute(ctx, transfer(a.ID, b.ID, "10", "blocked"))
	close(release)
	<-done

	require.ErrorIs(t, err, ErrTransientStoreFailure)
	wallet, err := repo.GetWallet(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(100)))
}
