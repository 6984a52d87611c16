package domain

import "time"

// Plan enumerates the billing plans a tenant can be on. The plan selects
// the rate-limit table applied to every send.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanBusiness:
		return true
	}
	return false
}

// Tenant is an account on the platform. It owns domains, API keys,
// templates, webhooks, emails, and suppressions; destroying a tenant
// destroys all owned data transitively (admin tooling only).
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Plan      Plan      `json:"plan" db:"plan"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// APIKeyPermission is a capability granted to an API key.
type APIKeyPermission string

const (
	PermSendEmail     APIKeyPermission = "emails:send"
	PermReadEmail     APIKeyPermission = "emails:read"
	PermManageDomains APIKeyPermission = "domains:manage"
	PermManageHooks   APIKeyPermission = "webhooks:manage"
	PermReadAnalytics APIKeyPermission = "analytics:read"
)

// APIKey is an opaque bearer secret issued to a tenant. Only the salted
// hash is stored; the short public prefix allows lookup without exposing
// the secret.
type APIKey struct {
	ID          string             `json:"id" db:"id"`
	TenantID    string             `json:"tenant_id" db:"tenant_id"`
	Name        string             `json:"name" db:"name"`
	Prefix      string             `json:"prefix" db:"prefix"`
	Hash        string             `json:"-" db:"hash"`
	Permissions []APIKeyPermission `json:"permissions" db:"permissions"`
	LastUsedAt  *time.Time         `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt   *time.Time         `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Has reports whether the key grants the given permission. A key with no
// explicit permissions grants everything (legacy full-access keys).
func (k *APIKey) Has(p APIKeyPermission) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	for _, q := range k.Permissions {
		if q == p {
			return true
		}
	}
	return false
}
