package models

import (
	"fmt"
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignPending  CampaignStatus = "pending"
	CampaignSent     CampaignStatus = "sent"
	CampaignFailed   CampaignStatus = "failed"
	CampaignFinished CampaignStatus = "finished"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignPending, CampaignSent, CampaignFailed, CampaignFinished:
		return true
	}
	return false
}

// Recurrence is stored with the campaign but never drives scheduling: every
// campaign fires once.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// ParseRecurrence accepts the four known values; empty means none.
func ParseRecurrence(s string) (Recurrence, error) {
	switch r := Recurrence(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RecurrenceNone, nil
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return r, nil
	default:
		return "", fmt.Errorf("unknown recurrence %q", s)
	}
}

// CronSpec maps a recurrence onto a cron descriptor. Only used to validate and
// describe the value; no trigger is ever created from it.
func (r Recurrence) CronSpec() string {
	switch r {
	case RecurrenceDaily:
		return "@daily"
	case RecurrenceWeekly:
		return "@weekly"
	case RecurrenceMonthly:
		return "@monthly"
	}
	return ""
}

type Campaign struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	FireAt       time.Time      `json:"fire_at"`
	Recurrence   Recurrence     `json:"recurrence"`
	Status       CampaignStatus `json:"status"`
	MessageID    int64          `json:"message_id"`
	RecipientIDs []int64        `json:"recipient_ids"`
	Owner        string         `json:"owner,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Message struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Owner   string `json:"owner,omitempty"`
}

type Recipient struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Note    string `json:"note,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

// Trigger is the one pending fire of a campaign. CampaignID is its identity.
type Trigger struct {
	CampaignID int64     `json:"campaign_id"`
	FireAt     time.Time `json:"fire_at"`
	CreatedAt  time.Time `json:"created_at"`
}
