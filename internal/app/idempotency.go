package app

import (
	"context"
	"errors"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
)

// OutcomeCache is an optional read-through cache of terminal outcomes.
type OutcomeCache interface {
	Get(ctx context.Context, idempotencyKey string) (*domain.IdempotencyOutcome, error)
	Set(ctx context.Context, outcome *domain.IdempotencyOutcome) error
}

// IdempotencyGuard answers whether an idempotency key was already accepted.
// The unique index on ledger_records is what actually prevents a second
// commit; the guard only turns the common replay into a cheap read.
type IdempotencyGuard struct {
	cache  OutcomeCache
	logger *zap.Logger
}

// NewIdempotencyGuard builds a guard. cache may be nil.
func NewIdempotencyGuard(cache OutcomeCache, logger *zap.Logger) *IdempotencyGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotencyGuard{cache: cache, logger: logger}
}

// Lookup returns the prior outcome for key, or nil when the key is unused.
// Cache failures fall through to reader.
func (g *IdempotencyGuard) Lookup(ctx context.Context, reader store.LedgerReader, key string) (*domain.IdempotencyOutcome, error) {
	if g.cache != nil {
		outcome, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("idempotency cache read failed",
				zap.String("component", "idempotency"),
				zap.String("txid", key),
				zap.Error(err),
			)
		} else if outcome != nil {
			return outcome, nil
		}
	}

	outcome, err := g.Recheck(ctx, reader, key)
	if err != nil || outcome == nil {
		return outcome, err
	}
	g.Remember(ctx, outcome)
	return outcome, nil
}

// Recheck reads the store only. The engine calls it inside the unit of work,
// after the wallet locks are held.
func (g *IdempotencyGuard) Recheck(ctx context.Context, reader store.LedgerReader, key string) (*domain.IdempotencyOutcome, error) {
	record, err := reader.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return domain.OutcomeOf(record), nil
}

// Remember caches a terminal outcome. Failures are logged and dropped.
func (g *IdempotencyGuard) Remember(ctx context.Context, outcome *domain.IdempotencyOutcome) {
	if g.cache == nil || outcome == nil || !outcome.Status.IsTerminal() {
		return
	}
	if err := g.cache.Set(ctx, outcome); err != nil {
		g.logger.Warn("idempotency cache write failed",
			zap.String("component", "idempotency"),
			zap.String("txid", outcome.IdempotencyKey),
			zap.Error(err),
		)
	}
}
