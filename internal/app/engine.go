/**
 * @description
 * This file contains the transfer engine, the only component that mutates
 * wallet balances. A transfer is one unit of work: the participating wallets
 * are locked in ascending id order, funds are checked and moved, and the
 * ledger record is inserted; the unit either commits as a whole or leaves no
 * trace. Notification is scheduled only after the commit returned.
 *
 * Key features:
 * - Fee split: amounts strictly above the configured minimum pay
 *   `amount × FeeRate` to the fee wallet; the recipient gets the remainder.
 * - Idempotency: replays are answered from the guard; a racing duplicate is
 *   caught by an in-transaction recheck and finally by the unique index.
 * - Deadlock freedom: every unit of work locks in `LockOrder`.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact money arithmetic.
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store: models and the unit-of-work contract.
 */

package app

import (
	"context"
	"errors"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultFeeRate             = "0.1"
	DefaultMinimumAmountForFee = "1000"
	DefaultFeeWalletID         = int64(1)
)

// NotificationScheduler receives completed transfers after commit.
type NotificationScheduler interface {
	Schedule(ctx context.Context, event domain.TransferCompletedEvent) error
}

// EngineConfig carries the fee policy.
type EngineConfig struct {
	FeeRate             decimal.Decimal
	MinimumAmountForFee decimal.Decimal
	FeeWalletID         int64
}

// DefaultEngineConfig returns the stock fee policy: 10% above 1000, paid to wallet 1.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FeeRate:             decimal.RequireFromString(DefaultFeeRate),
		MinimumAmountForFee: decimal.RequireFromString(DefaultMinimumAmountForFee),
		FeeWalletID:         DefaultFeeWalletID,
	}
}

// errReplayed aborts a unit of work whose key was committed by a concurrent
// request while we waited for the locks.
var errReplayed = errors.New("idempotency key committed concurrently")

// TransferEngine executes wallet-to-wallet transfers.
type TransferEngine struct {
	repo      store.Repository
	guard     *IdempotencyGuard
	scheduler NotificationScheduler
	cfg       EngineConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewTransferEngine wires an engine. scheduler may be nil, in which case
// completed transfers are not announced.
func NewTransferEngine(repo store.Repository, guard *IdempotencyGuard, scheduler NotificationScheduler, cfg EngineConfig, logger *zap.Logger) *TransferEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewIdempotencyGuard(nil, logger)
	}
	return &TransferEngine{
		repo:      repo,
		guard:     guard,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// LockOrder returns ids ascending with duplicates removed. Every unit of work
// acquires wallet locks in this order.
func LockOrder(ids ...int64) []int64 {
	ordered := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return ordered
}

// ComputeFee splits amount into the fee and what the recipient receives.
// The threshold is strict: an amount equal to the minimum pays no fee.
func (c EngineConfig) ComputeFee(amount decimal.Decimal) (fee decimal.Decimal, amountTo decimal.Decimal) {
	if !amount.GreaterThan(c.MinimumAmountForFee) {
		return decimal.Zero, amount
	}
	fee = amount.Mul(c.FeeRate).RoundBank(domain.MoneyScale)
	return fee, amount.Sub(fee)
}

// Execute runs one transfer request to completion or to a typed failure.
func (e *TransferEngine) Execute(ctx context.Context, req domain.TransferRequest) (result *domain.TransferResult, err error) {
	start := time.Now()
	defer func() {
		outcome := "completed"
		switch {
		case err != nil:
			outcome = string(KindOf(err))
		case result != nil && result.Replayed:
			outcome = "replayed"
		}
		transfersTotal.WithLabelValues(outcome).Inc()
		transferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if err := validateTransferRequest(req); err != nil {
		return nil, err
	}

	prior, err := e.guard.Lookup(ctx, e.repo, req.IdempotencyKey)
	if err != nil {
		return nil, newTransferError(KindTransientStoreFailure, err, "idempotency lookup failed")
	}
	if prior != nil {
		e.logger.Info("transfer replayed",
			zap.String("component", "engine"),
			zap.String("outcome", "replayed"),
			zap.String("txid", req.IdempotencyKey),
			zap.Int64("transaction_id", prior.TransactionID),
		)
		return &domain.TransferResult{Replayed: true, Outcome: prior}, nil
	}

	fee, amountTo := e.cfg.ComputeFee(req.Amount)
	if err := e.resolveWallets(ctx, req, fee.IsPositive()); err != nil {
		return nil, err
	}

	var (
		record   *domain.LedgerRecord
		balances = make(map[int64]decimal.Decimal, 3)
		replay   *domain.IdempotencyOutcome
	)

	err = e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ids := []int64{req.WalletFromID, req.WalletToID}
		if fee.IsPositive() {
			ids = append(ids, e.cfg.FeeWalletID)
		}
		order := LockOrder(ids...)

		locked := make(map[int64]*domain.Wallet, len(order))
		for _, id := range order {
			wallet, err := tx.GetActiveForUpdate(ctx, id)
			if err != nil {
				return e.walletError(req, id, err)
			}
			locked[id] = wallet
		}

		again, err := e.guard.Recheck(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return newTransferError(KindTransientStoreFailure, err, "idempotency recheck failed")
		}
		if again != nil {
			replay = again
			return errReplayed
		}

		from := locked[req.WalletFromID]
		if !from.CanCover(req.Amount) {
			return newTransferError(KindInsufficientFunds, nil, "Insufficient funds on balance.")
		}

		from.Debit(req.Amount)
		locked[req.WalletToID].Credit(amountTo)
		var feeWalletID *int64
		if fee.IsPositive() {
			locked[e.cfg.FeeWalletID].Credit(fee)
			id := e.cfg.FeeWalletID
			feeWalletID = &id
		}

		for _, id := range order {
			if err := tx.Save(ctx, locked[id]); err != nil {
				return err
			}
			balances[id] = locked[id].Balance
		}

		record = &domain.LedgerRecord{
			IdempotencyKey: req.IdempotencyKey,
			Status:         domain.RecordStatusCompleted,
			Type:           domain.RecordTypeIncoming,
			WalletFromID:   req.WalletFromID,
			WalletToID:     req.WalletToID,
			WalletFeeID:    feeWalletID,
			AmountFrom:     req.Amount,
			AmountTo:       amountTo,
			AmountFee:      fee,
			Description:    req.Description,
		}
		return tx.InsertLedgerRecord(ctx, record)
	})
	if err != nil {
		if errors.Is(err, errReplayed) {
			e.guard.Remember(ctx, replay)
			return &domain.TransferResult{Replayed: true, Outcome: replay}, nil
		}
		return nil, e.classifyUnitError(ctx, req, err)
	}

	if fee.IsPositive() {
		transferFeesTotal.Inc()
	}
	e.logger.Info("transfer completed",
		zap.String("component", "engine"),
		zap.String("outcome", "completed"),
		zap.String("txid", record.IdempotencyKey),
		zap.Int64("transaction_id", record.ID),
		zap.Int64("wallet_from_id", record.WalletFromID),
		zap.Int64("wallet_to_id", record.WalletToID),
		zap.String("amount", record.AmountFrom.String()),
		zap.String("fee", record.AmountFee.String()),
	)

	e.guard.Remember(ctx, domain.OutcomeOf(record))
	e.announce(ctx, record)

	return &domain.TransferResult{
		Record:            record,
		WalletFromBalance: balances[req.WalletFromID],
		WalletToBalance:   balances[req.WalletToID],
	}, nil
}

func validateTransferRequest(req domain.TransferRequest) error {
	switch {
	case req.WalletFromID == req.WalletToID:
		return newTransferError(KindInvalidRequest, nil, "The sender's wallet and the recipient's wallet must be different.")
	case req.WalletFromID <= 0 || req.WalletToID <= 0:
		return newTransferError(KindInvalidRequest, nil, "wallet ids must be positive")
	case req.IdempotencyKey == "":
		return newTransferError(KindInvalidRequest, nil, "txid is required")
	case len(req.IdempotencyKey) > domain.MaxIdempotencyKeyLength:
		return newTransferError(KindInvalidRequest, nil, "txid must be at most %d characters", domain.MaxIdempotencyKeyLength)
	case !req.Amount.IsPositive():
		return newTransferError(KindInvalidRequest, nil, "amount must be positive")
	case !req.Amount.Equal(req.Amount.Round(domain.MoneyScale)):
		return newTransferError(KindInvalidRequest, nil, "amount must have at most %d decimal places", domain.MoneyScale)
	case utf8.RuneCountInString(req.Description) > domain.MaxDescriptionLength:
		return newTransferError(KindInvalidRequest, nil, "description must be at most %d characters", domain.MaxDescriptionLength)
	}
	return nil
}

// resolveWallets is the unlocked pre-check. The locked read inside the unit
// of work repeats it, so a wallet deactivated in between is still caught.
func (e *TransferEngine) resolveWallets(ctx context.Context, req domain.TransferRequest, withFee bool) error {
	ids := []int64{req.WalletFromID, req.WalletToID}
	if withFee {
		ids = append(ids, e.cfg.FeeWalletID)
	}
	for _, id := range ids {
		wallet, err := e.repo.GetWallet(ctx, id)
		if err != nil {
			return e.walletError(req, id, err)
		}
		if !wallet.IsActive {
			return e.walletError(req, id, store.ErrWalletInactive)
		}
	}
	return nil
}

func walletRole(req domain.TransferRequest, id int64) string {
	switch id {
	case req.WalletFromID:
		return "sender's"
	case req.WalletToID:
		return "recipient's"
	default:
		return "fee"
	}
}

func (e *TransferEngine) walletError(req domain.TransferRequest, id int64, err error) error {
	switch {
	case errors.Is(err, store.ErrWalletNotFound):
		return newTransferError(KindWalletNotFound, err, "The %s wallet with ID %d is missing.", walletRole(req, id), id)
	case errors.Is(err, store.ErrWalletInactive):
		return newTransferError(KindWalletInactive, err, "The %s wallet with ID %d is inactive.", walletRole(req, id), id)
	case errors.Is(err, store.ErrLockTimeout):
		return newTransferError(KindTransientStoreFailure, err, "timed out waiting for wallet %d", id)
	default:
		return newTransferError(KindTransientStoreFailure, err, "failed to read wallet %d", id)
	}
}

func (e *TransferEngine) classifyUnitError(ctx context.Context, req domain.TransferRequest, err error) error {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, store.ErrDuplicateIdempotencyKey):
		// The winner may not have committed yet; without its outcome the
		// caller can only retry.
		winner, lookupErr := e.guard.Recheck(ctx, e.repo, req.IdempotencyKey)
		if lookupErr != nil || winner == nil {
			return newTransferError(KindTransientStoreFailure, err, "Request with idempotency_key %s is already processing.", req.IdempotencyKey)
		}
		e.guard.Remember(ctx, winner)
		dup := newTransferError(KindDuplicateSubmission, err, "A transaction with this ID is already being processed or exists.")
		dup.Outcome = winner
		return dup
	case errors.Is(err, store.ErrLockTimeout):
		return newTransferError(KindTransientStoreFailure, err, "timed out waiting for wallet locks")
	case errors.Is(err, store.ErrNegativeBalance):
		return newTransferError(KindInsufficientFunds, err, "Insufficient funds on balance.")
	case errors.Is(err, store.ErrConcurrency):
		e.logger.Error("wallet saved without lock",
			zap.String("component", "engine"),
			zap.String("txid", req.IdempotencyKey),
			zap.Error(err),
		)
		return newTransferError(KindInternal, err, "transfer aborted")
	default:
		e.logger.Warn("transfer unit of work failed",
			zap.String("component", "engine"),
			zap.String("outcome", "rolled_back"),
			zap.String("txid", req.IdempotencyKey),
			zap.Error(err),
		)
		return newTransferError(KindTransientStoreFailure, err, "transfer could not be committed")
	}
}

// announce hands the committed transfer to the scheduler. Failures are logged
// only: the transfer already happened.
func (e *TransferEngine) announce(ctx context.Context, record *domain.LedgerRecord) {
	if e.scheduler == nil {
		return
	}
	event := domain.TransferCompletedEvent{
		EventID:        uuid.NewString(),
		IdempotencyKey: record.IdempotencyKey,
		TransactionID:  record.ID,
		WalletFromID:   record.WalletFromID,
		WalletToID:     record.WalletToID,
		AmountFrom:     record.AmountFrom,
		AmountFee:      record.AmountFee,
		OccurredAt:     e.now(),
	}
	if err := e.scheduler.Schedule(ctx, event); err != nil {
		e.logger.Error("notification scheduling failed",
			zap.String("component", "engine"),
			zap.String("outcome", "notification_not_scheduled"),
			zap.String("txid", record.IdempotencyKey),
			zap.Error(err),
		)
	}
}
