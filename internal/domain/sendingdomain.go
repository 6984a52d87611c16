package domain

import (
	"strings"
	"time"
)

// DomainStatus enumerates the verification states of a sending domain.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// DKIM publication states. Ownership verification does not depend on
// DKIM; a verified domain may still be waiting on its DKIM record.
const (
	DKIMPending   = "pending"
	DKIMPublished = "published"
)

// SendingDomain is a tenant-owned sending authority. (tenant_id, name) is
// unique. A domain may be used as envelope sender only when verified; the
// system-owned fallback domain verifies for every tenant.
type SendingDomain struct {
	ID                string       `json:"id" db:"id"`
	TenantID          string       `json:"tenant_id" db:"tenant_id"`
	Name              string       `json:"name" db:"name"`
	Status            DomainStatus `json:"status" db:"status"`
	VerificationToken string       `json:"-" db:"verification_token"`
	DKIMSelector      string       `json:"dkim_selector" db:"dkim_selector"`
	DKIMStatus        string       `json:"dkim_status" db:"dkim_status"`
	SPFRecord         string       `json:"spf_record,omitempty" db:"spf_record"`
	DMARCRecord       string       `json:"dmarc_record,omitempty" db:"dmarc_record"`
	VerifiedAt        *time.Time   `json:"verified_at,omitempty" db:"verified_at"`
	LastCheckAt       *time.Time   `json:"last_check_at,omitempty" db:"last_check_at"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// NormalizeDomain lowercases and trims a domain name, dropping a single
// trailing dot.
func NormalizeDomain(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}

// DKIMKey is a per-domain signing keypair. Exactly one active key exists
// per (domain, selector); extra keys may coexist during rotation.
type DKIMKey struct {
	ID         string    `json:"id" db:"id"`
	DomainID   string    `json:"domain_id,omitempty" db:"domain_id"`
	DomainName string    `json:"domain_name" db:"domain_name"`
	Selector   string    `json:"selector" db:"selector"`
	Algorithm  string    `json:"algorithm" db:"algorithm"` // rsa-sha256
	PrivateKey string    `json:"-" db:"private_key"`       // PEM, sealed at rest
	PublicKey  string    `json:"public_key" db:"public_key"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
