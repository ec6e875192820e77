package storage

import (
	"context"
	"errors"
	"time"

	"mailcast/internal/models"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type CampaignStore interface {
	// CreateCampaign assigns ID and timestamps. Recipient links are written
	// together with the row.
	CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error)
	// UpdateCampaign replaces the editable fields and the recipient set.
	UpdateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	SaveCampaignStatus(ctx context.Context, id int64, status models.CampaignStatus) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m models.Message) (models.Message, error)
	GetMessage(ctx context.Context, id int64) (models.Message, error)
}

type RecipientStore interface {
	CreateRecipient(ctx context.Context, r models.Recipient) (models.Recipient, error)
	// ListRecipients returns the recipients linked to a campaign, by id.
	ListRecipients(ctx context.Context, campaignID int64) ([]models.Recipient, error)
}

// AttemptStore is append-only.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, a models.Attempt) error
	// ListAttempts returns a campaign's attempts in insertion order.
	ListAttempts(ctx context.Context, campaignID int64) ([]models.Attempt, error)
}

// TriggerStore keeps at most one trigger per campaign id.
type TriggerStore interface {
	// PutTrigger inserts or replaces the trigger for t.CampaignID.
	PutTrigger(ctx context.Context, t models.Trigger) error
	// DeleteTrigger reports whether a trigger existed.
	DeleteTrigger(ctx context.Context, campaignID int64) (bool, error)
	ListTriggers(ctx context.Context) ([]models.Trigger, error)
}

type Store interface {
	CampaignStore
	MessageStore
	RecipientStore
	AttemptStore
	TriggerStore
	Close() error
}
