package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

type auditRepoStub struct {
	store.Repository
	records    []domain.LedgerRecord
	wallets    []domain.Wallet
	recordsErr error
}

func (s *auditRepoStub) ListLedgerRecordsSince(ctx context.Context, since time.Time, limit int) ([]domain.LedgerRecord, error) {
	if s.recordsErr != nil {
		return nil, s.recordsErr
	}
	return s.records, nil
}

func (s *auditRepoStub) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	return s.wallets, nil
}

func TestAuditJob_CleanLedgerAfterTransfers(t *testing.T) {
	f := newEngineFixture(t, "5000", "0")
	for i, amount := range []string{"1500", "10", "1000.01"} {
		_, err := f.engine.Execute(context.Background(), transfer(f.walletA, f.walletB, amount, "audit-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	report, err := NewAuditJob(f.repo, time.Hour, 100, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.RecordsChecked)
	assert.Equal(t, 3, report.WalletsChecked)
	assert.Empty(t, report.Violations)
}

func TestAuditJob_ReportsViolations(t *testing.T) {
	feeWallet := int64(1)
	repo := &auditRepoStub{
		records: []domain.LedgerRecord{
			{ID: 1, IdempotencyKey: "ok", AmountFrom: decimal.NewFromInt(1500), AmountTo: decimal.NewFromInt(1350), AmountFee: decimal.NewFromInt(150), WalletFeeID: &feeWallet},
			{ID: 2, IdempotencyKey: "leaky", AmountFrom: decimal.NewFromInt(100), AmountTo: decimal.NewFromInt(99), AmountFee: decimal.Zero},
			{ID: 3, IdempotencyKey: "orphan-fee", AmountFrom: decimal.NewFromInt(2000), AmountTo: decimal.NewFromInt(1800), AmountFee: decimal.NewFromInt(200)},
		},
		wallets: []domain.Wallet{
			{ID: 1, Balance: decimal.NewFromInt(10)},
			{ID: 2, Balance: decimal.NewFromInt(-1)},
		},
	}

	report, err := NewAuditJob(repo, time.Hour, 100, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 3)
	assert.Contains(t, report.Violations[0], "leaky")
	assert.Contains(t, report.Violations[1], "orphan-fee")
	assert.Contains(t, report.Violations[2], "wallet 2")
}

func TestAuditJob_PropagatesStoreErrors(t *testing.T) {
	repo := &auditRepoStub{recordsErr: errors.New("db down")}

	_, err := NewAuditJob(repo, time.Hour, 100, nil).Run(context.Background())
	require.Error(t, err)
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	repo := &auditRepoStub{}
	scheduler := NewScheduler(NewAuditJob(repo, time.Hour, 100, nil), "not a cron expression", zap.NewNop())
	require.Error(t, scheduler.Start())
}

func TestScheduler_StartsAndStops(t *testing.T) {
	repo := &auditRepoStub{}
	scheduler := NewScheduler(NewAuditJob(repo, time.Hour, 100, nil), "@every 1h", zap.NewNop())
	require.NoError(t, scheduler.Start())
	<-scheduler.Stop().Done()
}
