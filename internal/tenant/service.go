// Package tenant resolves callers to tenants and enforces tenant
// isolation. Every authenticated request carries exactly one tenant; an
// access to another tenant's resource is answered as if the resource did
// not exist.
package tenant

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

var (
	// ErrBadKey is returned for malformed, unknown, or revoked API keys.
	ErrBadKey = errors.New("tenant: invalid api key")
	// ErrNotFound is returned when a tenant does not exist.
	ErrNotFound = errors.New("tenant: not found")
)

const (
	keyPrefixTag = "uz"
	cacheTTL     = 60 * time.Second
	maxCacheSize = 4096
)

// Service resolves API keys to tenants and manages key lifecycle.
type Service struct {
	store *storage.Store

	mu    sync.Mutex
	cache map[string]*cached // key prefix → resolution
}

type cached struct {
	tenant *domain.Tenant
	key    *domain.APIKey
	at     time.Time
}

// NewService creates a tenant service over the given store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, cache: make(map[string]*cached)}
}

// Create provisions a tenant on the given plan.
func (s *Service) Create(ctx context.Context, name string, plan domain.Plan) (*domain.Tenant, error) {
	if !plan.Valid() {
		plan = domain.PlanFree
	}
	t := &domain.Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err := s.store.Exec(qctx, `
		INSERT INTO tenants (id, name, plan, created_at) VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.Plan, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tenant: create: %w", err)
	}
	logger.Info("tenant created", "tenant_id", t.ID, "plan", string(t.Plan))
	return t, nil
}

// Get loads a tenant by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, name, plan, created_at FROM tenants WHERE id = $1
	`, id)
	var t domain.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get: %w", err)
	}
	return &t, nil
}

// IssueKey mints a new API key for a tenant. The plaintext secret is
// returned exactly once; only its bcrypt hash is stored.
func (s *Service) IssueKey(ctx context.Context, tenantID, name string, perms []domain.APIKeyPermission) (*domain.APIKey, string, error) {
	prefix, secret, err := newKeyMaterial()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("tenant: hash key: %w", err)
	}

	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return nil, "", fmt.Errorf("tenant: encode permissions: %w", err)
	}

	key := &domain.APIKey{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		Prefix:      prefix,
		Hash:        string(hash),
		Permissions: perms,
		CreatedAt:   time.Now().UTC(),
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err = s.store.Exec(qctx, `
		INSERT INTO api_keys (id, tenant_id, name, prefix, hash, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.TenantID, key.Name, key.Prefix, key.Hash, string(permsJSON), key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("tenant: store key: %w", err)
	}

	plaintext := fmt.Sprintf("%s_%s_%s", keyPrefixTag, prefix, secret)
	logger.Info("api key issued", "tenant_id", tenantID, "key_id", key.ID, "prefix", prefix)
	return key, plaintext, nil
}

// RevokeKey revokes an API key belonging to the tenant.
func (s *Service) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	res, err := s.store.Exec(qctx, `
		UPDATE api_keys SET revoked_at = $1
		WHERE id = $2 AND tenant_id = $3 AND revoked_at IS NULL
	`, time.Now().UTC(), keyID, tenantID)
	if err != nil {
		return fmt.Errorf("tenant: revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	s.cache = make(map[string]*cached)
	s.mu.Unlock()
	return nil
}

// ListKeys returns a tenant's API keys, hashes omitted by the JSON tags.
func (s *Service) ListKeys(ctx context.Context, tenantID string) ([]*domain.APIKey, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, `
		SELECT id, tenant_id, name, prefix, hash, permissions, last_used_at, revoked_at, created_at
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant: list keys: %w", err)
	}
	defer rows.Close()

	var out []*domain.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Resolve authenticates a presented key (uz_<prefix>_<secret>) and
// returns the owning tenant plus the key record. Resolution is cached
// for up to a minute; revocation flushes the cache.
func (s *Service) Resolve(ctx context.Context, presented string) (*domain.Tenant, *domain.APIKey, error) {
	prefix, secret, ok := splitKey(presented)
	if !ok {
		return nil, nil, ErrBadKey
	}

	s.mu.Lock()
	if c, found := s.cache[prefix]; found && time.Since(c.at) < cacheTTL {
		s.mu.Unlock()
		if err := bcrypt.CompareHashAndPassword([]byte(c.key.Hash), []byte(secret)); err != nil {
			return nil, nil, ErrBadKey
		}
		return c.tenant, c.key, nil
	}
	s.mu.Unlock()

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, `
		SELECT id, tenant_id, name, prefix, hash, permissions, last_used_at, revoked_at, created_at
		FROM api_keys WHERE prefix = $1
	`, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("tenant: resolve key: %w", err)
	}
	defer rows.Close()

	// Prefixes are random but not unique by constraint; check each candidate
	var match *domain.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, nil, err
		}
		if key.Revoked() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)) == nil {
			match = key
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if match == nil {
		return nil, nil, ErrBadKey
	}

	tenant, err := s.Get(ctx, match.TenantID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= maxCacheSize {
		s.cache = make(map[string]*cached)
	}
	s.cache[prefix] = &cached{tenant: tenant, key: match, at: time.Now()}
	s.mu.Unlock()

	s.touchKey(match.ID)
	return tenant, match, nil
}

// Authorize checks that a resource's owner matches the caller's tenant.
// A mismatch is logged as a cross-tenant access and surfaced to the
// caller as NOT_FOUND, never as forbidden.
func Authorize(callerTenantID, resourceTenantID, resource string) error {
	if callerTenantID == resourceTenantID {
		return nil
	}
	logger.Warn("cross-tenant access denied",
		"code", domain.CodeCrossTenant,
		"tenant_id", callerTenantID,
		"resource", resource)
	return domain.NewAPIError(domain.CodeNotFound, "resource not found")
}

func (s *Service) touchKey(keyID string) {
	// Best effort; last_used_at is advisory
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.store.Exec(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`,
		time.Now().UTC(), keyID)
}

func newKeyMaterial() (prefix, secret string, err error) {
	buf := make([]byte, 20)
	if _, err = rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("tenant: key material: %w", err)
	}
	return hex.EncodeToString(buf[:4]), hex.EncodeToString(buf[4:]), nil
}

func splitKey(presented string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(presented), "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefixTag || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func scanKey(rows *sql.Rows) (*domain.APIKey, error) {
	var (
		key       domain.APIKey
		permsJSON string
	)
	if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &key.Prefix, &key.Hash,
		&permsJSON, &key.LastUsedAt, &key.RevokedAt, &key.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &key.Permissions); err != nil {
		return nil, fmt.Errorf("tenant: decode permissions: %w", err)
	}
	return &key, nil
}
