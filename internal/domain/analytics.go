package domain

import "time"

// EventType enumerates the analytics event types emitted by the pipeline.
type EventType string

const (
	EventQueued       EventType = "queued"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventDeferred     EventType = "deferred"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
	EventRejected     EventType = "rejected"
)

// AllEventTypes lists every event type, for subscription validation.
var AllEventTypes = []EventType{
	EventQueued, EventSent, EventDelivered, EventDeferred, EventBounced,
	EventComplained, EventOpened, EventClicked, EventUnsubscribed,
	EventRejected,
}

// ValidEventType reports whether t names a known event type.
func ValidEventType(t string) bool {
	for _, e := range AllEventTypes {
		if string(e) == t {
			return true
		}
	}
	return false
}

// Event is one row in the per-tenant append-only analytics log.
type Event struct {
	ID         string            `json:"id" db:"id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	DomainID   string            `json:"domain_id,omitempty" db:"domain_id"`
	EmailID    string            `json:"email_id,omitempty" db:"email_id"`
	Type       EventType         `json:"type" db:"type"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// RollupBucket is the aggregation granularity for analytics roll-ups.
type RollupBucket string

const (
	BucketHour RollupBucket = "hour"
	BucketDay  RollupBucket = "day"
)

// Rollup is one aggregated counter: (tenant, bucket, domain?, type) → count.
type Rollup struct {
	TenantID    string       `json:"tenant_id" db:"tenant_id"`
	Bucket      RollupBucket `json:"bucket" db:"bucket"`
	BucketStart time.Time    `json:"bucket_start" db:"bucket_start"`
	DomainID    string       `json:"domain_id,omitempty" db:"domain_id"`
	Type        EventType    `json:"type" db:"type"`
	Count       int64        `json:"count" db:"count"`
}
