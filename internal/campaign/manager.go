// Package campaign keeps each campaign's trigger in step with its lifecycle.
//
// A Pending campaign always has exactly one trigger at its fire time. Edits
// re-register it, and a force-finish cancels it. Nothing here reads or
// writes the attempt ledger.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailcast/internal/models"
	"mailcast/internal/storage"
	logx "mailcast/pkg/logx"
)

var ErrInvalid = errors.New("invalid campaign")

// Scheduler is the trigger side of the lifecycle.
type Scheduler interface {
	Register(ctx context.Context, campaignID int64, fireAt time.Time) error
	Cancel(ctx context.Context, campaignID int64) (bool, error)
}

type Store interface {
	storage.CampaignStore
	storage.MessageStore
}

type Config struct {
	CancelOnFinish bool
	// ListCacheTTL caches List results. 0 disables the cache.
	ListCacheTTL time.Duration
}

type Manager struct {
	store Store
	sched Scheduler
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config

	cache listCache
}

func New(store Store, sched Scheduler, cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, sched: sched, cfg: cfg, log: log.With(logx.String("comp", "campaign"))}
}

// Apply swaps the lifecycle policy. The list cache is dropped.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.cache.invalidate()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnCreate registers the trigger of a newly created Pending campaign.
func (m *Manager) OnCreate(ctx context.Context, c models.Campaign) error {
	if c.Status != models.CampaignPending {
		return nil
	}
	return m.register(ctx, c)
}

// OnUpdate re-registers the trigger of an edited campaign that is still
// Pending, whether or not the fire time changed. Other statuses leave the
// trigger alone.
func (m *Manager) OnUpdate(ctx context.Context, c models.Campaign) error {
	if c.Status != models.CampaignPending {
		return nil
	}
	return m.register(ctx, c)
}

func (m *Manager) register(ctx context.Context, c models.Campaign) error {
	if m.sched == nil {
		return errors.New("no scheduler")
	}
	if c.Recurrence != "" && c.Recurrence != models.RecurrenceNone {
		m.log.Warn("recurrence not wired; campaign fires once",
			logx.Int64("campaign_id", c.ID),
			logx.String("recurrence", string(c.Recurrence)),
			logx.String("cron", c.Recurrence.CronSpec()),
		)
	}
	if err := m.sched.Register(ctx, c.ID, c.FireAt); err != nil {
		return fmt.Errorf("schedule campaign %d: %w", c.ID, err)
	}
	return nil
}

// Create validates and stores c, then registers its trigger. When the trigger
// cannot be persisted the campaign row exists and the error is returned.
func (m *Manager) Create(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if err := m.validate(ctx, &c); err != nil {
		return models.Campaign{}, err
	}
	if c.Status == "" {
		c.Status = models.CampaignPending
	}
	created, err := m.store.CreateCampaign(ctx, c)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	m.cache.invalidate()
	m.log.Info("campaign created", logx.Int64("campaign_id", created.ID), logx.Time("fire_at", created.FireAt))
	return created, m.OnCreate(ctx, created)
}

// Update replaces the editable fields of an existing campaign. An empty
// status keeps the stored one.
func (m *Manager) Update(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	old, err := m.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	if c.Status == "" {
		c.Status = old.Status
	}
	if err := m.validate(ctx, &c); err != nil {
		return models.Campaign{}, err
	}
	updated, err := m.store.UpdateCampaign(ctx, c)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	m.cache.invalidate()
	if old.Status == models.CampaignPending && updated.Status != models.CampaignPending {
		cancelled, err := m.dropTrigger(ctx, c.ID)
		if err != nil {
			return updated, fmt.Errorf("update campaign %d: %w", c.ID, err)
		}
		m.log.Info("campaign left pending",
			logx.Int64("campaign_id", c.ID),
			logx.String("status", string(updated.Status)),
			logx.Bool("trigger_cancelled", cancelled),
		)
		return updated, nil
	}
	return updated, m.OnUpdate(ctx, updated)
}

// dropTrigger applies the CancelOnFinish policy to a campaign that is no
// longer pending.
func (m *Manager) dropTrigger(ctx context.Context, id int64) (bool, error) {
	if !m.config().CancelOnFinish || m.sched == nil {
		return false, nil
	}
	return m.sched.Cancel(ctx, id)
}

// Finish force-finishes a campaign regardless of send outcome. With
// CancelOnFinish its pending trigger is cancelled; cancelled reports whether
// one existed.
func (m *Manager) Finish(ctx context.Context, id int64) (cancelled bool, err error) {
	if _, err := m.store.GetCampaign(ctx, id); err != nil {
		return false, fmt.Errorf("finish campaign %d: %w", id, err)
	}
	if err := m.store.SaveCampaignStatus(ctx, id, models.CampaignFinished); err != nil {
		return false, fmt.Errorf("finish campaign %d: %w", id, err)
	}
	m.cache.invalidate()
	cancelled, err = m.dropTrigger(ctx, id)
	if err != nil {
		return false, fmt.Errorf("finish campaign %d: %w", id, err)
	}
	m.log.Info("campaign finished", logx.Int64("campaign_id", id), logx.Bool("trigger_cancelled", cancelled))
	return cancelled, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (models.Campaign, error) {
	return m.store.GetCampaign(ctx, id)
}

// List returns all campaigns, served from cache within the TTL.
func (m *Manager) List(ctx context.Context) ([]models.Campaign, error) {
	ttl := m.config().ListCacheTTL
	if items, ok := m.cache.get(ttl); ok {
		return items, nil
	}
	items, err := m.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.put(ttl, items)
	return items, nil
}

func (m *Manager) validate(ctx context.Context, c *models.Campaign) error {
	var errs []error
	c.Name = strings.TrimSpace(c.Name)
	if c.FireAt.IsZero() {
		errs = append(errs, errors.New("fire_at is required"))
	}
	r, err := models.ParseRecurrence(string(c.Recurrence))
	if err != nil {
		errs = append(errs, err)
	}
	c.Recurrence = r
	if c.Status != "" && !c.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", c.Status))
	}
	if c.MessageID <= 0 {
		errs = append(errs, errors.New("message_id is required"))
	} else if _, err := m.store.GetMessage(ctx, c.MessageID); err != nil {
		errs = append(errs, fmt.Errorf("message %d: %w", c.MessageID, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
