package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSimulatedFailure is returned by FlakyNotifier for the attempts it fails.
var ErrSimulatedFailure = errors.New("simulated notification failure")

// Notifier is the delivery capability wrapped by FlakyNotifier.
type Notifier interface {
	Notify(ctx context.Context, subjectID string) error
}

// FlakyNotifier fails the first FailFirst attempts for every subject and then
// delegates. Used to exercise the retry path in staging.
type FlakyNotifier struct {
	next      Notifier
	failFirst int

	mu       sync.Mutex
	attempts map[string]int
}

func NewFlakyNotifier(next Notifier, failFirst int) *FlakyNotifier {
	return &FlakyNotifier{next: next, failFirst: failFirst, attempts: make(map[string]int)}
}

func (f *FlakyNotifier) Notify(ctx context.Context, subjectID string) error {
	f.mu.Lock()
	f.attempts[subjectID]++
	attempt := f.attempts[subjectID]
	if attempt > f.failFirst {
		delete(f.attempts, subjectID)
	}
	f.mu.Unlock()

	if attempt <= f.failFirst {
		return fmt.Errorf("%w: attempt %d for %s", ErrSimulatedFailure, attempt, subjectID)
	}
	return f.next.Notify(ctx, subjectID)
}
