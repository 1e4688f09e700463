package models

import (
	"time"

	"github.com/google/uuid"
)

type Tenant struct {
	TenantID  uuid.UUID
	Slug      string
	Name      string
	Status    string
	CreatedAt time.Time
}

type User struct {
	UserID      uuid.UUID
	TenantID    uuid.UUID
	Subject     string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// StoredEvent is one durable row in the domain event log. TenantID is nil
// only for platform-level events; every tenant-owned aggregate's events
// carry the owning tenant. ProcessedAt records success time only;
// LastAttemptAt records the most recent failed attempt and feeds backoff,
// materialized as NextAttemptAt so claims can filter on it directly.
type StoredEvent struct {
	EventID       uuid.UUID
	TenantID      *uuid.UUID
	EventName     string
	AggregateType *string
	AggregateID   *uuid.UUID
	Payload       []byte
	Version       int
	OccurredAt    time.Time
	ProcessedAt   *time.Time
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	Status        string
	Retries       int
	LastError     *string
	ClaimedBy     *string
}

// ConsumerInboxRecord marks that one named consumer has fully applied one
// event; its existence short-circuits re-delivery on retry.
type ConsumerInboxRecord struct {
	Consumer    string
	EventID     uuid.UUID
	EventName   string
	ProcessedAt time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	TenantID     *uuid.UUID
	ActorUserID  *uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
