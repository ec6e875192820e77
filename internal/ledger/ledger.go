// Package ledger is the append-only record of delivery attempts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailcast/internal/models"
	"mailcast/internal/storage"
)

// Ledger appends and reads Attempt rows. It never updates or deletes them.
type Ledger struct {
	store storage.AttemptStore
	now   func() time.Time
}

func New(store storage.AttemptStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append assigns the attempt an ID and timestamp (unless set) and writes it.
// There is no dedup: each pass adds its own rows.
func (l *Ledger) Append(ctx context.Context, a models.Attempt) (models.Attempt, error) {
	if l == nil || l.store == nil {
		return models.Attempt{}, storage.ErrDisabled
	}
	if a.CampaignID == 0 {
		return models.Attempt{}, errors.New("attempt without campaign id")
	}
	if a.ID == "" {
		a.ID = models.NewAttemptID()
	}
	if a.At.IsZero() {
		a.At = l.now().UTC()
	}
	if err := l.store.AppendAttempt(ctx, a); err != nil {
		return models.Attempt{}, fmt.Errorf("append attempt for campaign %d recipient %d: %w", a.CampaignID, a.RecipientID, err)
	}
	return a, nil
}

// ListByCampaign returns the campaign's attempts in insertion order.
func (l *Ledger) ListByCampaign(ctx context.Context, campaignID int64) ([]models.Attempt, error) {
	if l == nil || l.store == nil {
		return nil, storage.ErrDisabled
	}
	return l.store.ListAttempts(ctx, campaignID)
}

// Summary counts the campaign's attempts per outcome across all passes.
func (l *Ledger) Summary(ctx context.Context, campaignID int64) (models.AttemptSummary, error) {
	attempts, err := l.ListByCampaign(ctx, campaignID)
	if err != nil {
		return models.AttemptSummary{}, err
	}
	return Summarize(campaignID, attempts), nil
}

func Summarize(campaignID int64, attempts []models.Attempt) models.AttemptSummary {
	s := models.AttemptSummary{CampaignID: campaignID, Total: len(attempts)}
	passes := map[string]struct{}{}
	for _, a := range attempts {
		switch a.Outcome {
		case models.OutcomeSucceeded:
			s.Succeeded++
		case models.OutcomeFailed:
			s.Failed++
		}
		passes[a.PassID] = struct{}{}
		if a.At.After(s.LastAt) {
			s.LastAt = a.At
		}
	}
	s.Passes = len(passes)
	return s
}
