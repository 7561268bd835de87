package app

import (
	"errors"
	"fmt"

	"github.com/transfa/ledger-service/internal/domain"
)

// ErrorKind classifies why a transfer was not executed.
type ErrorKind string

const (
	KindInvalidRequest              ErrorKind = "invalid_request"
	KindWalletNotFound              ErrorKind = "wallet_not_found"
	KindWalletInactive              ErrorKind = "wallet_inactive"
	KindInsufficientFunds           ErrorKind = "insufficient_funds"
	KindDuplicateSubmission         ErrorKind = "duplicate_submission"
	KindTransientStoreFailure       ErrorKind = "transient_store_failure"
	KindNotificationDeliveryFailure ErrorKind = "notification_delivery_failure"
	KindInternal                    ErrorKind = "internal"
)

// TransferError is the typed error returned by the engine. Outcome is set for
// DuplicateSubmission when the winning record could be read back.
type TransferError struct {
	Kind    ErrorKind
	Message string
	Outcome *domain.IdempotencyOutcome
	Err     error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches any TransferError of the same kind, so callers can write
// errors.Is(err, app.ErrInsufficientFunds).
func (e *TransferError) Is(target error) bool {
	var t *TransferError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest              = &TransferError{Kind: KindInvalidRequest}
	ErrWalletNotFound              = &TransferError{Kind: KindWalletNotFound}
	ErrWalletInactive              = &TransferError{Kind: KindWalletInactive}
	ErrInsufficientFunds           = &TransferError{Kind: KindInsufficientFunds}
	ErrDuplicateSubmission         = &TransferError{Kind: KindDuplicateSubmission}
	ErrTransientStoreFailure       = &TransferError{Kind: KindTransientStoreFailure}
	ErrNotificationDeliveryFailure = &TransferError{Kind: KindNotificationDeliveryFailure}
)

func newTransferError(kind ErrorKind, err error, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind carried by err, or KindInternal for anything else.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}
