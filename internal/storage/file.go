package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mailcast/internal/models"
	logx "mailcast/pkg/logx"
)

// TriggerJournal is a file-backed TriggerStore.
//
// Files:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only put/delete records)
//
// Every write is appended and fsynced before it returns. The journal is
// folded into the snapshot on open and every compactEvery writes.
type TriggerJournal struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      journalFile
	triggers     map[int64]models.Trigger
	writes       int
	compactEvery int
}

// journalFile is the subset of *os.File the journal writes through.
type journalFile interface {
	io.WriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

type journalRecord struct {
	Op         string `json:"op"` // put | del
	CampaignID int64  `json:"campaign_id"`
	FireAt     int64  `json:"fire_at,omitempty"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

// OpenTriggerJournal loads (or creates) the journal rooted at path.
func OpenTriggerJournal(path string, log logx.Logger) (*TriggerJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("scheduler.journal_path is required for the file trigger store")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	j := &TriggerJournal{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		triggers:     map[int64]models.Trigger{},
		compactEvery: 256,
	}
	if err := j.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := j.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.journal = f

	j.mu.Lock()
	err = j.compactLocked()
	j.mu.Unlock()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *TriggerJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.journal == nil {
		return nil
	}
	err := j.journal.Close()
	j.journal = nil
	return err
}

func (j *TriggerJournal) PutTrigger(_ context.Context, t models.Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendLocked(journalRecord{
		Op:         "put",
		CampaignID: t.CampaignID,
		FireAt:     t.FireAt.UnixMilli(),
		CreatedAt:  t.CreatedAt.UnixMilli(),
	}); err != nil {
		return err
	}
	j.triggers[t.CampaignID] = models.Trigger{
		CampaignID: t.CampaignID,
		FireAt:     fromMS(t.FireAt.UnixMilli()),
		CreatedAt:  fromMS(t.CreatedAt.UnixMilli()),
	}
	return nil
}

func (j *TriggerJournal) DeleteTrigger(_ context.Context, campaignID int64) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.triggers[campaignID]; !ok {
		return false, nil
	}
	if err := j.appendLocked(journalRecord{Op: "del", CampaignID: campaignID}); err != nil {
		return false, err
	}
	delete(j.triggers, campaignID)
	return true, nil
}

func (j *TriggerJournal) ListTriggers(_ context.Context) ([]models.Trigger, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortTriggers(j.triggers), nil
}

func (j *TriggerJournal) appendLocked(r journalRecord) error {
	if j.journal == nil {
		return errors.New("trigger journal closed")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	off, err := j.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	_, err = j.journal.Write(append(b, '\n'))
	if err == nil {
		err = j.journal.Sync()
	}
	if err != nil {
		// Cut a partial record so the next append starts on a clean line.
		if terr := j.rewindLocked(off); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
	j.writes++
	if j.writes%j.compactEvery == 0 {
		if err := j.compactLocked(); err != nil {
			j.log.Warn("trigger journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (j *TriggerJournal) rewindLocked(off int64) error {
	if err := j.journal.Truncate(off); err != nil {
		return err
	}
	_, err := j.journal.Seek(off, io.SeekStart)
	return err
}

// compactLocked writes the snapshot atomically, then truncates the journal.
func (j *TriggerJournal) compactLocked() error {
	recs := make([]journalRecord, 0, len(j.triggers))
	for _, t := range sortTriggers(j.triggers) {
		recs = append(recs, journalRecord{
			Op:         "put",
			CampaignID: t.CampaignID,
			FireAt:     t.FireAt.UnixMilli(),
			CreatedAt:  t.CreatedAt.UnixMilli(),
		})
	}
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.journal.Truncate(0); err != nil {
		return err
	}
	_, err = j.journal.Seek(0, io.SeekEnd)
	return err
}

func (j *TriggerJournal) loadSnapshot() error {
	f, err := os.Open(j.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []journalRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		j.apply(r)
	}
	return nil
}

func (j *TriggerJournal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		// A torn last line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		j.apply(r)
	}
	return sc.Err()
}

func (j *TriggerJournal) apply(r journalRecord) {
	switch r.Op {
	case "put":
		j.triggers[r.CampaignID] = models.Trigger{
			CampaignID: r.CampaignID,
			FireAt:     fromMS(r.FireAt),
			CreatedAt:  fromMS(r.CreatedAt),
		}
	case "del":
		delete(j.triggers, r.CampaignID)
	}
}
