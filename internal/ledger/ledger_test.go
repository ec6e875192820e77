package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailcast/internal/models"
	"mailcast/internal/storage"
)

type failingStore struct{ storage.AttemptStore }

func (failingStore) AppendAttempt(context.Context, models.Attempt) error {
	return errors.New("disk full")
}

func TestAppendAssignsIDAndTime(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New(storage.NewMemory())
	l.now = func() time.Time { return fixed }

	a, err := l.Append(context.Background(), models.Attempt{CampaignID: 1, RecipientID: 2, Outcome: models.OutcomeSucceeded})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.HasPrefix(a.ID, "att_") || !a.At.Equal(fixed) {
		t.Fatalf("attempt = %+v", a)
	}
}

func TestAppendNeverDedups(t *testing.T) {
	t.Parallel()
	l := New(storage.NewMemory())
	ctx := context.Background()
	for pass := 0; pass < 2; pass++ {
		for rid := int64(1); rid <= 3; rid++ {
			outcome := models.OutcomeSucceeded
			if rid == 2 {
				outcome = models.OutcomeFailed
			}
			if _, err := l.Append(ctx, models.Attempt{PassID: string(rune('a' + pass)), CampaignID: 7, RecipientID: rid, Outcome: outcome}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}
	sum, err := l.Summary(ctx, 7)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := models.AttemptSummary{CampaignID: 7, Total: 6, Succeeded: 4, Failed: 2, Passes: 2}
	sum.LastAt = time.Time{}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
}

func TestAppendErrors(t *testing.T) {
	t.Parallel()
	if _, err := New(failingStore{}).Append(context.Background(), models.Attempt{CampaignID: 1}); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(storage.NewMemory()).Append(context.Background(), models.Attempt{}); err == nil {
		t.Fatal("expected error for missing campaign id")
	}
	var nilLedger *Ledger
	if _, err := nilLedger.ListByCampaign(context.Background(), 1); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("nil ledger err = %v", err)
	}
}
