package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"mailcast/internal/models"
)

// Memory is a process-local Store. Nothing survives a restart.
type Memory struct {
	mu sync.Mutex

	seq        int64
	campaigns  map[int64]models.Campaign
	messages   map[int64]models.Message
	recipients map[int64]models.Recipient
	attempts   []models.Attempt
	triggers   map[int64]models.Trigger
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:  map[int64]models.Campaign{},
		messages:   map[int64]models.Message{},
		recipients: map[int64]models.Recipient{},
		triggers:   map[int64]models.Trigger{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func cloneCampaign(c models.Campaign) models.Campaign {
	c.RecipientIDs = slices.Clone(c.RecipientIDs)
	return c
}

func (m *Memory) CreateCampaign(_ context.Context, c models.Campaign) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	c.ID = m.nextID()
	if c.Status == "" {
		c.Status = models.CampaignPending
	}
	if c.Recurrence == "" {
		c.Recurrence = models.RecurrenceNone
	}
	c.CreatedAt, c.UpdatedAt = now, now
	c.RecipientIDs = sortedUnique(c.RecipientIDs)
	m.campaigns[c.ID] = cloneCampaign(c)
	return c, nil
}

func (m *Memory) UpdateCampaign(_ context.Context, c models.Campaign) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.campaigns[c.ID]
	if !ok {
		return models.Campaign{}, fmt.Errorf("update campaign %d: %w", c.ID, ErrNotFound)
	}
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	c.RecipientIDs = sortedUnique(c.RecipientIDs)
	m.campaigns[c.ID] = cloneCampaign(c)
	return c, nil
}

func (m *Memory) GetCampaign(_ context.Context, id int64) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveCampaignStatus(_ context.Context, id int64, status models.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return nil
}

// DeleteCampaign drops a campaign and its links. Used to simulate records
// vanishing underneath a running pass.
func (m *Memory) DeleteCampaign(id int64) {
	m.mu.Lock()
	delete(m.campaigns, id)
	m.mu.Unlock()
}

// DeleteMessage drops a message.
func (m *Memory) DeleteMessage(id int64) {
	m.mu.Lock()
	delete(m.messages, id)
	m.mu.Unlock()
}

func (m *Memory) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.nextID()
	m.messages[msg.ID] = msg
	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) CreateRecipient(_ context.Context, r models.Recipient) (models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextID()
	m.recipients[r.ID] = r
	return r, nil
}

func (m *Memory) ListRecipients(_ context.Context, campaignID int64) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	out := make([]models.Recipient, 0, len(c.RecipientIDs))
	for _, id := range c.RecipientIDs {
		if r, ok := m.recipients[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) AppendAttempt(_ context.Context, a models.Attempt) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, campaignID int64) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Attempt
	for _, a := range m.attempts {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) PutTrigger(_ context.Context, t models.Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.triggers[t.CampaignID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTrigger(_ context.Context, campaignID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.triggers[campaignID]
	delete(m.triggers, campaignID)
	return ok, nil
}

func (m *Memory) ListTriggers(_ context.Context) ([]models.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortTriggers(m.triggers), nil
}

func sortTriggers(in map[int64]models.Trigger) []models.Trigger {
	out := make([]models.Trigger, 0, len(in))
	for _, t := range in {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out
}

func sortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
