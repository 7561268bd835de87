/**
 * @description
 * Periodic ledger audit. It re-reads recent records and all wallets and
 * reports any record whose split does not add up and any negative balance.
 */
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// AuditReport summarises one audit pass.
type AuditReport struct {
	RecordsChecked int
	WalletsChecked int
	Violations     []string
}

// AuditJob checks ledger invariants over a trailing window.
type AuditJob struct {
	repo       store.Repository
	window     time.Duration
	maxRecords int
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuditJob(repo store.Repository, window time.Duration, maxRecords int, logger *zap.Logger) *AuditJob {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditJob{
		repo:       repo,
		window:     window,
		maxRecords: maxRecords,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one audit pass.
func (j *AuditJob) Run(ctx context.Context) (AuditReport, error) {
	var report AuditReport

	records, err := j.repo.ListLedgerRecordsSince(ctx, j.now().Add(-j.window), j.maxRecords)
	if err != nil {
		return report, fmt.Errorf("list ledger records: %w", err)
	}
	for _, record := range records {
		report.RecordsChecked++
		if !record.IsBalanced() {
			auditViolationsTotal.WithLabelValues("conservation").Inc()
			report.Violations = append(report.Violations, fmt.Sprintf(
				"record %d (%s): amount_from %s != amount_to %s + amount_fee %s",
				record.ID, record.IdempotencyKey, record.AmountFrom, record.AmountTo, record.AmountFee))
		}
		if record.AmountFee.IsPositive() && record.WalletFeeID == nil {
			auditViolationsTotal.WithLabelValues("fee_wallet").Inc()
			report.Violations = append(report.Violations, fmt.Sprintf(
				"record %d (%s): fee %s without fee wallet", record.ID, record.IdempotencyKey, record.AmountFee))
		}
	}

	wallets, err := j.repo.ListWallets(ctx)
	if err != nil {
		return report, fmt.Errorf("list wallets: %w", err)
	}
	for _, wallet := range wallets {
		report.WalletsChecked++
		if wallet.Balance.IsNegative() {
			auditViolationsTotal.WithLabelValues("negative_balance").Inc()
			report.Violations = append(report.Violations, fmt.Sprintf(
				"wallet %d: negative balance %s", wallet.ID, wallet.Balance))
		}
	}

	return report, nil
}

// RunScheduled is the cron entry point.
func (j *AuditJob) RunScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := j.Run(ctx)
	if err != nil {
		j.logger.Error("ledger audit failed", zap.String("component", "audit"), zap.Error(err))
		return
	}
	for _, violation := range report.Violations {
		j.logger.Error("ledger invariant violated",
			zap.String("component", "audit"),
			zap.String("violation", violation),
		)
	}
	j.logger.Info("ledger audit finished",
		zap.String("component", "audit"),
		zap.Int("records_checked", report.RecordsChecked),
		zap.Int("wallets_checked", report.WalletsChecked),
		zap.Int("violations", len(report.Violations)),
	)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	audit    *AuditJob
	schedule string
	logger   *zap.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(audit *AuditJob, schedule string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{sugar: logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		audit:    audit,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.audit.RunScheduled); err != nil {
		s.logger.Error("failed to schedule ledger audit job", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled ledger audit job", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
