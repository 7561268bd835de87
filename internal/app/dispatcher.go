/**
 * @description
 * This file implements the notification dispatcher: a fixed pool of workers
 * delivering post-transfer notifications with bounded retry. It never touches
 * wallets or ledger records; a failed notification cannot undo a transfer.
 *
 * Job lifecycle:
 *   scheduled -> attempting -> delivered
 *                          \-> retrying -> attempting ...
 *                          \-> abandoned (after MaxRetries attempts)
 *
 * Retries are re-enqueued by a timer after RetryDelay, so no worker ever
 * sleeps on a failing job.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: worker pool lifecycle.
 * - github.com/google/uuid: job identifiers.
 * - go.uber.org/zap: structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDispatcherQueueFull = errors.New("notification queue is full")
	ErrDispatcherStopped   = errors.New("notification dispatcher is stopped")
)

// Notifier delivers one notification about subjectID.
type Notifier interface {
	Notify(ctx context.Context, subjectID string) error
}

// DispatcherConfig bounds the retry policy and the worker pool.
type DispatcherConfig struct {
	// MaxRetries is the total number of attempts per job.
	MaxRetries     int
	RetryDelay     time.Duration
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	// Retention is how long terminal jobs stay visible to Snapshot.
	Retention time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxRetries:     3,
		RetryDelay:     3 * time.Second,
		Workers:        4,
		QueueSize:      1024,
		AttemptTimeout: 30 * time.Second,
		Retention:      10 * time.Minute,
	}
}

// NotificationDispatcher runs notification jobs on its own worker pool.
type NotificationDispatcher struct {
	notifier Notifier
	recorder store.JobRecorder
	cfg      DispatcherConfig
	logger   *zap.Logger
	now      func() time.Time

	onAbandoned func(job domain.NotificationJob)

	queue    chan uuid.UUID
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.NotificationJob
}

// NewNotificationDispatcher builds a dispatcher. recorder may be nil.
func NewNotificationDispatcher(notifier Notifier, recorder store.JobRecorder, cfg DispatcherConfig, logger *zap.Logger) *NotificationDispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationDispatcher{
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		done:     make(chan struct{}),
		jobs:     make(map[uuid.UUID]*domain.NotificationJob),
	}
}

// OnAbandoned registers a hook called once for every abandoned job.
func (d *NotificationDispatcher) OnAbandoned(hook func(job domain.NotificationJob)) {
	d.onAbandoned = hook
}

// Run starts the workers and blocks until ctx is cancelled. Pending retry
// timers are dropped once Run returns.
func (d *NotificationDispatcher) Run(ctx context.Context) error {
	defer d.stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					d.attempt(gctx, id)
				}
			}
		})
	}

	d.logger.Info("notification dispatcher started",
		zap.String("component", "dispatcher"),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_retries", d.cfg.MaxRetries),
		zap.Duration("retry_delay", d.cfg.RetryDelay),
	)
	return g.Wait()
}

func (d *NotificationDispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Schedule satisfies NotificationScheduler for in-process delivery.
func (d *NotificationDispatcher) Schedule(ctx context.Context, event domain.TransferCompletedEvent) error {
	_, err := d.Submit(ctx, event.IdempotencyKey)
	return err
}

// Submit creates a job and enqueues its first attempt without blocking.
func (d *NotificationDispatcher) Submit(ctx context.Context, subjectID string) (uuid.UUID, error) {
	select {
	case <-d.done:
		return uuid.Nil, ErrDispatcherStopped
	default:
	}

	now := d.now()
	job := &domain.NotificationJob{
		ID:        uuid.New(),
		SubjectID: subjectID,
		State:     domain.JobStateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	d.jobs[job.ID] = job
	snapshot := *job
	d.mu.Unlock()

	// Must be recorded before the enqueue; a worker may record attempting at once.
	d.record(ctx, snapshot)

	select {
	case d.queue <- job.ID:
		return job.ID, nil
	default:
		d.mu.Lock()
		delete(d.jobs, job.ID)
		d.mu.Unlock()
		snapshot.LastError = ErrDispatcherQueueFull.Error()
		d.record(ctx, snapshot)
		return uuid.Nil, fmt.Errorf("%w: subject %s", ErrDispatcherQueueFull, subjectID)
	}
}

// Snapshot returns a copy of the job's current state.
func (d *NotificationDispatcher) Snapshot(id uuid.UUID) (domain.NotificationJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return domain.NotificationJob{}, false
	}
	return *job, true
}

func (d *NotificationDispatcher) attempt(ctx context.Context, id uuid.UUID) {
	job, ok := d.transition(id, domain.JobStateAttempting, "")
	if !ok {
		return
	}
	d.record(ctx, job)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err := d.notifier.Notify(attemptCtx, job.SubjectID)
	cancel()

	if err == nil {
		notificationAttemptsTotal.WithLabelValues("success").Inc()
		job, _ = d.transition(id, domain.JobStateDelivered, "")
		d.record(ctx, job)
		d.finish(job)
		d.logger.Info("notification delivered",
			zap.String("component", "dispatcher"),
			zap.String("outcome", "delivered"),
			zap.String("job_id", job.ID.String()),
			zap.String("subject_id", job.SubjectID),
			zap.Int("attempts", job.Attempts),
		)
		return
	}

	notificationAttemptsTotal.WithLabelValues("failure").Inc()

	if job.Attempts < d.cfg.MaxRetries {
		job, _ = d.transition(id, domain.JobStateRetrying, err.Error())
		d.record(ctx, job)
		d.logger.Warn("notification attempt failed; retry scheduled",
			zap.String("component", "dispatcher"),
			zap.String("outcome", "retrying"),
			zap.String("job_id", job.ID.String()),
			zap.String("subject_id", job.SubjectID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("retry_in", d.cfg.RetryDelay),
			zap.Error(err),
		)
		time.AfterFunc(d.cfg.RetryDelay, func() { d.enqueue(id) })
		return
	}

	job, _ = d.transition(id, domain.JobStateAbandoned, err.Error())
	d.record(ctx, job)
	d.finish(job)
	failure := newTransferError(KindNotificationDeliveryFailure, err, "notification for %s abandoned after %d attempts", job.SubjectID, job.Attempts)
	d.logger.Error("notification abandoned",
		zap.String("component", "dispatcher"),
		zap.String("outcome", "abandoned"),
		zap.String("job_id", job.ID.String()),
		zap.String("subject_id", job.SubjectID),
		zap.Int("attempts", job.Attempts),
		zap.Error(failure),
	)
	if d.onAbandoned != nil {
		d.onAbandoned(job)
	}
}

func (d *NotificationDispatcher) enqueue(id uuid.UUID) {
	select {
	case <-d.done:
	case d.queue <- id:
	}
}

// transition applies a legal state change and returns the updated copy.
func (d *NotificationDispatcher) transition(id uuid.UUID, next domain.JobState, lastErr string) (domain.NotificationJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok || !job.State.CanTransitionTo(next) {
		return domain.NotificationJob{}, false
	}
	job.State = next
	if next == domain.JobStateAttempting {
		job.Attempts++
	}
	if lastErr != "" {
		job.LastError = lastErr
	}
	job.UpdatedAt = d.now()
	return *job, true
}

func (d *NotificationDispatcher) finish(job domain.NotificationJob) {
	notificationJobsTotal.WithLabelValues(string(job.State)).Inc()
	time.AfterFunc(d.cfg.Retention, func() {
		d.mu.Lock()
		delete(d.jobs, job.ID)
		d.mu.Unlock()
	})
}

func (d *NotificationDispatcher) record(ctx context.Context, job domain.NotificationJob) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordNotificationJob(ctx, job); err != nil {
		d.logger.Warn("notification job audit write failed",
			zap.String("component", "dispatcher"),
			zap.String("job_id", job.ID.String()),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}
