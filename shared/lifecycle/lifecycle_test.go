package lifecycle

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{EventStatusPending, EventStatusProcessing, true},
		{EventStatusProcessing, EventStatusProcessed, true},
		{EventStatusProcessing, EventStatusFailed, true},
		{EventStatusFailed, EventStatusProcessing, true},
		{EventStatusProcessed, EventStatusProcessing, false},
		{EventStatusProcessed, EventStatusFailed, false},
		{EventStatusPending, EventStatusProcessed, false},
		{EventStatusPending, EventStatusFailed, false},
		{" Pending ", "PROCESSING", true},
		{EventStatusPending, EventStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNextAttempt(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{0, 2 * time.Second},
		{MaxRetries + 10, 32 * time.Second},
	}
	for _, tc := range cases {
		if got := NextAttempt(tc.retries); got != tc.want {
			t.Fatalf("NextAttempt(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

func TestDeadLettered(t *testing.T) {
	if DeadLettered(EventStatusFailed, MaxRetries-1) {
		t.Fatalf("retries below threshold must not dead-letter")
	}
	if !DeadLettered(EventStatusFailed, MaxRetries) {
		t.Fatalf("retries at threshold must dead-letter")
	}
	if DeadLettered(EventStatusPending, MaxRetries) {
		t.Fatalf("only failed rows dead-letter")
	}
}
