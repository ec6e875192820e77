package models

import (
	"strings"
	"testing"

	"github.com/robfig/cron/v3"
)

func TestNewIDIsPrefixedAndOrdered(t *testing.T) {
	t.Parallel()
	a := NewAttemptID()
	b := NewAttemptID()
	if !strings.HasPrefix(a, "att_") {
		t.Fatalf("id %q missing prefix", a)
	}
	if !(a < b) {
		t.Fatalf("ids not monotonic: %q >= %q", a, b)
	}
}

func TestParseRecurrence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Recurrence
		wantErr bool
	}{
		{in: "", want: RecurrenceNone},
		{in: "Weekly", want: RecurrenceWeekly},
		{in: " monthly ", want: RecurrenceMonthly},
		{in: "hourly", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRecurrence(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseRecurrence(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseRecurrence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecurrenceCronSpecParses(t *testing.T) {
	t.Parallel()
	parser := cron.NewParser(cron.Descriptor)
	for _, r := range []Recurrence{RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly} {
		if _, err := parser.Parse(r.CronSpec()); err != nil {
			t.Fatalf("%s: %v", r, err)
		}
	}
	if RecurrenceNone.CronSpec() != "" {
		t.Fatal("none should have no cron spec")
	}
}

func TestCampaignStatusValid(t *testing.T) {
	t.Parallel()
	if !CampaignFinished.Valid() || CampaignStatus("archived").Valid() {
		t.Fatal("status validation mismatch")
	}
}
