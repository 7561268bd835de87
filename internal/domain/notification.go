package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a notification job.
//
//	scheduled -> attempting -> delivered | retrying | abandoned
//	retrying  -> attempting
type JobState string

const (
	JobStateScheduled  JobState = "scheduled"
	JobStateAttempting JobState = "attempting"
	JobStateRetrying   JobState = "retrying"
	JobStateDelivered  JobState = "delivered"
	JobStateAbandoned  JobState = "abandoned"
)

// IsTerminal reports whether the job will never be attempted again.
func (s JobState) IsTerminal() bool {
	return s == JobStateDelivered || s == JobStateAbandoned
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case JobStateScheduled, JobStateRetrying:
		return next == JobStateAttempting
	case JobStateAttempting:
		return next == JobStateDelivered || next == JobStateRetrying || next == JobStateAbandoned
	default:
		return false
	}
}

// NotificationJob tracks delivery of one post-transfer notification.
type NotificationJob struct {
	ID        uuid.UUID `json:"id"`
	SubjectID string    `json:"subject_id"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
