package domain

import "time"

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce       SuppressionReason = "hard-bounce"
	ReasonComplaint        SuppressionReason = "complaint"
	ReasonUnsubscribe      SuppressionReason = "unsubscribe"
	ReasonManual           SuppressionReason = "manual"
	ReasonInvalidRecipient SuppressionReason = "invalid-recipient"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceDSN       SuppressionSource = "dsn"
	SourceARF       SuppressionSource = "arf"
	SourceSMTPReply SuppressionSource = "smtp_reply"
	SourceAPI       SuppressionSource = "api"
	SourceManual    SuppressionSource = "manual"
	SourceImport    SuppressionSource = "import"
)

// Suppression is a per-tenant entry blocking an address from future
// delivery. Any outbound whose recipient matches an unexpired entry is
// rejected before enqueue.
type Suppression struct {
	ID        string            `json:"id" db:"id"`
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	Email     string            `json:"email" db:"email"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	Source    SuppressionSource `json:"source" db:"source"`
	SMTPCode  int               `json:"smtp_code,omitempty" db:"smtp_code"`
	Detail    string            `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
}

// Expired reports whether the entry has expired at the given instant.
// Entries with no expiry never expire.
func (s *Suppression) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}
