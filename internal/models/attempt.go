package models

import "time"

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeInProcess exists in older ledgers only. Nothing writes it.
	OutcomeInProcess Outcome = "in_process"
)

const (
	StatusCodeOK    = 200
	StatusCodeError = 500
)

// Attempt records one recipient's outcome within one dispatch pass.
type Attempt struct {
	ID          string    `json:"id"`
	PassID      string    `json:"pass_id"`
	CampaignID  int64     `json:"campaign_id"`
	RecipientID int64     `json:"recipient_id"`
	MessageID   int64     `json:"message_id"`
	Address     string    `json:"address"`
	At          time.Time `json:"at"`
	Outcome     Outcome   `json:"outcome"`
	StatusCode  int       `json:"status_code"`
	Error       string    `json:"error,omitempty"`
}

// AttemptSummary counts attempts per outcome.
type AttemptSummary struct {
	CampaignID int64     `json:"campaign_id"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Passes     int       `json:"passes"`
	LastAt     time.Time `json:"last_at,omitempty"`
}
