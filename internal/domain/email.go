package domain

import (
	"net/mail"
	"strings"
	"time"
)

// EmailState enumerates the delivery pipeline states of an email.
// Transitions: received → validated → queued → signing → sending →
// {sent | deferred | bounced | failed | suppressed}. deferred loops back
// to queued when the retry fires.
type EmailState string

const (
	EmailReceived   EmailState = "received"
	EmailValidated  EmailState = "validated"
	EmailQueued     EmailState = "queued"
	EmailSigning    EmailState = "signing"
	EmailSending    EmailState = "sending"
	EmailSent       EmailState = "sent"
	EmailDeferred   EmailState = "deferred"
	EmailBounced    EmailState = "bounced"
	EmailFailed     EmailState = "failed"
	EmailSuppressed EmailState = "suppressed"
)

// Terminal reports whether the state is final.
func (s EmailState) Terminal() bool {
	switch s {
	case EmailSent, EmailBounced, EmailFailed, EmailSuppressed:
		return true
	}
	return false
}

// Direction distinguishes outbound submissions from inbound MX traffic.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Email is the unit of delivery.
type Email struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	MessageID      string            `json:"message_id" db:"message_id"`
	Direction      Direction         `json:"direction" db:"direction"`
	EnvelopeFrom   string            `json:"from" db:"envelope_from"`
	EnvelopeTo     []string          `json:"to" db:"envelope_to"`
	Subject        string            `json:"subject" db:"subject"`
	Headers        map[string]string `json:"headers,omitempty" db:"headers"`
	BodyHTML       string            `json:"html,omitempty" db:"body_html"`
	BodyText       string            `json:"text,omitempty" db:"body_text"`
	TemplateID     *string           `json:"template_id,omitempty" db:"template_id"`
	State          EmailState        `json:"state" db:"state"`
	Attempts       int               `json:"attempts" db:"attempts"`
	LastError      string            `json:"last_error,omitempty" db:"last_error"`
	DKIMDomainUsed string            `json:"dkim_domain_used,omitempty" db:"dkim_domain_used"`
	FallbackUsed   bool              `json:"fallback_used" db:"fallback_used"`
	SizeBytes      int64             `json:"size_bytes" db:"size_bytes"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	FinalizedAt    *time.Time        `json:"finalized_at,omitempty" db:"finalized_at"`
}

// AttemptClassification enumerates the outcome of one delivery attempt.
type AttemptClassification string

const (
	AttemptSuccess   AttemptClassification = "success"
	AttemptTransient AttemptClassification = "transient"
	AttemptPermanent AttemptClassification = "permanent"
	AttemptDeferred  AttemptClassification = "deferred"
	AttemptTLSFail   AttemptClassification = "tls-fail"
)

// DeliveryAttempt records one SMTP conversation with a remote MX.
type DeliveryAttempt struct {
	ID             string                `json:"id" db:"id"`
	EmailID        string                `json:"email_id" db:"email_id"`
	TenantID       string                `json:"tenant_id" db:"tenant_id"`
	AttemptNumber  int                   `json:"attempt_number" db:"attempt_number"`
	MXHost         string                `json:"mx_host" db:"mx_host"`
	StartedAt      time.Time             `json:"started_at" db:"started_at"`
	DurationMS     int64                 `json:"duration_ms" db:"duration_ms"`
	SMTPCode       int                   `json:"smtp_code" db:"smtp_code"`
	SMTPText       string                `json:"smtp_text,omitempty" db:"smtp_text"`
	Classification AttemptClassification `json:"classification" db:"classification"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty" db:"next_retry_at"`
}

// Template is a stored, tenant-owned liquid template.
type Template struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	HTML      string    `json:"html" db:"html"`
	Text      string    `json:"text,omitempty" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ParseAddress validates a single RFC 5322 address and returns the bare
// address (lowercased domain part).
func ParseAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	at := strings.LastIndex(a.Address, "@")
	if at < 0 {
		return a.Address, nil
	}
	return a.Address[:at+1] + strings.ToLower(a.Address[at+1:]), nil
}

// AddressDomain returns the lowercased domain part of an email address,
// or "" when the address has no @.
func AddressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
