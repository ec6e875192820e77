package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailcast/internal/models"
	logx "mailcast/pkg/logx"
)

func TestTriggerJournalContract(t *testing.T) {
	t.Parallel()
	j, err := OpenTriggerJournal(filepath.Join(t.TempDir(), "triggers.jsonl"), logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	triggerStoreContract(t, j)
}

func TestTriggerJournalSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "triggers.jsonl")
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	j, err := OpenTriggerJournal(path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.compactEvery = 2
	for id := int64(1); id <= 5; id++ {
		if err := j.PutTrigger(ctx, models.Trigger{CampaignID: id, FireAt: fireAt}); err != nil {
			t.Fatalf("put %d: %v", id, err)
		}
	}
	if _, err := j.DeleteTrigger(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = j.Close()

	// A torn trailing line must not break replay.
	jf := filepath.Join(filepath.Dir(path), "triggers.journal.jsonl")
	f, err := os.OpenFile(jf, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"op":"put","campaign_id":9`)
	_ = f.Close()

	j, err = OpenTriggerJournal(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	list, _ := j.ListTriggers(ctx)
	if len(list) != 4 {
		t.Fatalf("triggers after reopen = %+v, want 4", list)
	}
	for _, tr := range list {
		if tr.CampaignID == 3 || tr.CampaignID == 9 {
			t.Fatalf("unexpected trigger %d", tr.CampaignID)
		}
		if !tr.FireAt.Equal(fireAt) {
			t.Fatalf("fire_at = %v, want %v", tr.FireAt, fireAt)
		}
	}
}

// tornFile writes only half of the next record, then fails.
type tornFile struct {
	*os.File
	tear bool
}

func (f *tornFile) Write(p []byte) (int, error) {
	if !f.tear {
		return f.File.Write(p)
	}
	f.tear = false
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func TestTriggerJournalCutsFailedAppend(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "triggers.jsonl")
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	j, err := OpenTriggerJournal(path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	torn := &tornFile{File: j.journal.(*os.File), tear: true}
	j.journal = torn

	if err := j.PutTrigger(ctx, models.Trigger{CampaignID: 1, FireAt: fireAt}); err == nil {
		t.Fatal("torn put succeeded")
	}
	if err := j.PutTrigger(ctx, models.Trigger{CampaignID: 2, FireAt: fireAt}); err != nil {
		t.Fatalf("put after torn write: %v", err)
	}
	_ = j.Close()

	j, err = OpenTriggerJournal(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	list, _ := j.ListTriggers(ctx)
	if len(list) != 1 || list[0].CampaignID != 2 {
		t.Fatalf("triggers after reopen = %+v, want only campaign 2", list)
	}
}
