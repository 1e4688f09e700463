package lifecycle

import (
	"strings"
	"time"
)

const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
)

// MaxRetries is the dead-letter threshold: a failed event whose retry count
// has reached this value is never claimed again.
const MaxRetries = 5

var eventTransitions = map[string]map[string]struct{}{
	EventStatusPending: {
		EventStatusProcessing: {},
	},
	EventStatusProcessing: {
		EventStatusProcessed: {},
		EventStatusFailed:    {},
	},
	EventStatusFailed: {
		EventStatusProcessing: {},
	},
}

func NormalizeEventStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// CanTransition reports whether an event may move between the two statuses.
// Processed is terminal; failed events re-enter through processing only.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeEventStatus(fromStatus)
	toStatus = NormalizeEventStatus(toStatus)
	if fromStatus == toStatus {
		return false
	}
	next := eventTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

// DeadLettered reports whether a row is permanently excluded from re-pickup.
func DeadLettered(status string, retries int) bool {
	return NormalizeEventStatus(status) == EventStatusFailed && retries >= MaxRetries
}

// NextAttempt returns how long a failed row waits before it becomes
// claimable again: 2^retries seconds for the row's post-failure retry
// count. The first failure waits 2s, the fifth 32s.
func NextAttempt(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if retries > MaxRetries {
		retries = MaxRetries
	}
	return time.Duration(1<<uint(retries)) * time.Second
}

func AllEventStatuses() []string {
	return []string{
		EventStatusPending,
		EventStatusProcessing,
		EventStatusProcessed,
		EventStatusFailed,
	}
}
