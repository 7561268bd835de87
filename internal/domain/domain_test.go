package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestJobState_CanTransitionTo(t *testing.T) {
	all := []JobState{JobStateScheduled, JobStateAttempting, JobStateRetrying, JobStateDelivered, JobStateAbandoned}
	legal := map[JobState][]JobState{
		JobStateScheduled:  {JobStateAttempting},
		JobStateAttempting: {JobStateDelivered, JobStateRetrying, JobStateAbandoned},
		JobStateRetrying:   {JobStateAttempting},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range legal[from] {
				if next == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Fatalf("%s -> %s: expected %t, got %t", from, to, want, got)
			}
		}
	}
}

func TestJobState_IsTerminal(t *testing.T) {
	if !JobStateDelivered.IsTerminal() || !JobStateAbandoned.IsTerminal() {
		t.Fatalf("delivered and abandoned must be terminal")
	}
	if JobStateRetrying.IsTerminal() || JobStateScheduled.IsTerminal() {
		t.Fatalf("retrying and scheduled must not be terminal")
	}
}

func TestRecordStatus_String(t *testing.T) {
	tests := []struct {
		status RecordStatus
		want   string
	}{
		{status: RecordStatusPending, want: "pending"},
		{status: RecordStatusCompleted, want: "completed"},
		{status: RecordStatusFailed, want: "failed"},
		{status: RecordStatus(9), want: "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Fatalf("expected %q, got %q", tt.want, got)
		}
	}
	if RecordStatusPending.IsTerminal() {
		t.Fatalf("pending must not be terminal")
	}
}

func TestLedgerRecord_IsBalanced(t *testing.T) {
	record := LedgerRecord{
		AmountFrom: decimal.RequireFromString("1500"),
		AmountTo:   decimal.RequireFromString("1350"),
		AmountFee:  decimal.RequireFromString("150"),
	}
	if !record.IsBalanced() {
		t.Fatalf("expected 1500 = 1350 + 150 to balance")
	}
	record.AmountFee = decimal.RequireFromString("149.99999999")
	if record.IsBalanced() {
		t.Fatalf("expected an off-by-one-unit split to be unbalanced")
	}
}

func TestOutcomeOf(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcome := OutcomeOf(&LedgerRecord{ID: 7, IdempotencyKey: "tx-7", Status: RecordStatusCompleted, CreatedAt: created})

	if outcome.TransactionID != 7 || outcome.IdempotencyKey != "tx-7" || outcome.Status != RecordStatusCompleted || !outcome.CreatedAt.Equal(created) {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestWallet_DebitCredit(t *testing.T) {
	w := Wallet{Balance: decimal.RequireFromString("100.5")}
	if !w.CanCover(decimal.RequireFromString("100.5")) {
		t.Fatalf("wallet must cover its exact balance")
	}
	if w.CanCover(decimal.RequireFromString("100.50000001")) {
		t.Fatalf("wallet must not cover more than its balance")
	}

	w.Debit(decimal.RequireFromString("0.5"))
	w.Credit(decimal.RequireFromString("0.25"))
	if !w.Balance.Equal(decimal.RequireFromString("100.25")) {
		t.Fatalf("expected 100.25, got %s", w.Balance)
	}
}
