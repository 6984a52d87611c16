package domain

import "time"

// WebhookSubscription is a tenant-owned HTTP endpoint receiving signed
// event payloads.
type WebhookSubscription struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	URL       string    `json:"url" db:"url"`
	Events    []string  `json:"events" db:"events"` // empty = all events
	Secret    string    `json:"-" db:"secret"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wants reports whether the subscription matches the given event type.
func (s *WebhookSubscription) Wants(eventType string) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookDeliveryStatus enumerates the final state of a webhook delivery.
type WebhookDeliveryStatus string

const (
	WebhookPending   WebhookDeliveryStatus = "pending"
	WebhookDelivered WebhookDeliveryStatus = "delivered"
	WebhookFailed    WebhookDeliveryStatus = "failed_permanent"
)

// WebhookDelivery is one at-least-once delivery of an event to a
// subscription. Subscribers deduplicate by EventID.
type WebhookDelivery struct {
	ID             string                `json:"id" db:"id"`
	TenantID       string                `json:"tenant_id" db:"tenant_id"`
	SubscriptionID string                `json:"subscription_id" db:"subscription_id"`
	EventID        string                `json:"event_id" db:"event_id"`
	EventType      string                `json:"event_type" db:"event_type"`
	Payload        string                `json:"payload" db:"payload"`
	Attempts       int                   `json:"attempts" db:"attempts"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastStatusCode int                   `json:"last_status_code,omitempty" db:"last_status_code"`
	Status         WebhookDeliveryStatus `json:"status" db:"status"`
	CreatedAt      time.Time             `json:"created_at" db:"created_at"`
}
