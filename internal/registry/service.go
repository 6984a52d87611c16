// Package registry manages tenant sending domains: registration,
// DNS-based ownership verification, and the published record set
// (verification TXT, DKIM, SPF, DMARC guidance).
package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// ErrNotFound is returned when a sending domain does not exist for the
// tenant.
var ErrNotFound = errors.New("registry: domain not found")

// Ownership is proven by publishing
// _ultrazend-verification.<domain> TXT "ultrazend-verification=<token>".
const (
	verificationPrefix      = "_ultrazend-verification."
	verificationValuePrefix = "ultrazend-verification="
)

// verificationTokenBytes sizes the random ownership token.
const verificationTokenBytes = 32

// checkSchedule is the verification polling ladder from registration.
// After the ladder, checks repeat at the last interval until the cutoff.
var checkSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// verificationCutoff marks a still-pending domain failed.
const verificationCutoff = 7 * 24 * time.Hour

// Service owns the sending-domain lifecycle.
type Service struct {
	store    *storage.Store
	resolver dnsx.Resolver
	keys     *dkim.KeyStore
}

// NewService creates a registry service.
func NewService(store *storage.Store, resolver dnsx.Resolver, keys *dkim.KeyStore) *Service {
	return &Service{store: store, resolver: resolver, keys: keys}
}

// Register adds a domain for a tenant in pending state, generates its
// verification token and DKIM key, and returns the records to publish.
func (s *Service) Register(ctx context.Context, tenantID, name string) (*domain.SendingDomain, error) {
	name = domain.NormalizeDomain(name)
	if name == "" || !strings.Contains(name, ".") {
		return nil, domain.NewAPIError(domain.CodeInvalidPayload, "domain name is invalid")
	}

	tokenBytes := make([]byte, verificationTokenBytes)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("registry: token: %w", err)
	}

	sd := &domain.SendingDomain{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		Name:              name,
		Status:            domain.DomainPending,
		VerificationToken: hex.EncodeToString(tokenBytes),
		DKIMSelector:      dkim.DefaultSelector,
		DKIMStatus:        domain.DKIMPending,
		CreatedAt:         time.Now().UTC(),
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err := s.store.Exec(qctx, `
		INSERT INTO sending_domains (id, tenant_id, name, status, verification_token, dkim_selector, dkim_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sd.ID, sd.TenantID, sd.Name, sd.Status, sd.VerificationToken, sd.DKIMSelector, sd.DKIMStatus, sd.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("registry: register: %w", err)
	}

	if _, err := s.keys.Generate(ctx, sd.ID, sd.Name, sd.DKIMSelector); err != nil {
		return nil, err
	}

	logger.Info("sending domain registered", "tenant_id", tenantID, "domain", name)
	return sd, nil
}

// Get loads a domain scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*domain.SendingDomain, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, name, status, verification_token, dkim_selector, dkim_status,
		       spf_record, dmarc_record, verified_at, last_check_at, created_at
		FROM sending_domains WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanDomainRow(row)
}

// GetByName loads a domain by (tenant, name).
func (s *Service) GetByName(ctx context.Context, tenantID, name string) (*domain.SendingDomain, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, name, status, verification_token, dkim_selector, dkim_status,
		       spf_record, dmarc_record, verified_at, last_check_at, created_at
		FROM sending_domains WHERE tenant_id = $1 AND name = $2
	`, tenantID, domain.NormalizeDomain(name))
	return scanDomainRow(row)
}

// TenantForDomain resolves which tenant owns a domain name, used by the
// inbound MX path where no authenticated tenant exists.
func (s *Service) TenantForDomain(ctx context.Context, name string) (*domain.SendingDomain, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, name, status, verification_token, dkim_selector, dkim_status,
		       spf_record, dmarc_record, verified_at, last_check_at, created_at
		FROM sending_domains WHERE name = $1
	`, domain.NormalizeDomain(name))
	return scanDomainRow(row)
}

// List returns a tenant's domains.
func (s *Service) List(ctx context.Context, tenantID string) ([]*domain.SendingDomain, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, `
		SELECT id, tenant_id, name, status, verification_token, dkim_selector, dkim_status,
		       spf_record, dmarc_record, verified_at, last_check_at, created_at
		FROM sending_domains WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.SendingDomain
	for rows.Next() {
		sd, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// Delete removes a domain. Mail already queued under it keeps flowing
// until finalized; new submissions fall back to the system domain.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	res, err := s.store.Exec(qctx, `
		DELETE FROM sending_domains WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DNSConfig is the record set a tenant must publish for a domain.
type DNSConfig struct {
	Verification DNSRecord `json:"verification"`
	DKIM         DNSRecord `json:"dkim"`
	SPF          DNSRecord `json:"spf"`
	DMARC        DNSRecord `json:"dmarc"`
}

// DNSRecord is one record the tenant publishes.
type DNSRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DNSConfigFor builds the publishable record set for a domain.
func (s *Service) DNSConfigFor(ctx context.Context, sd *domain.SendingDomain) (*DNSConfig, error) {
	key, err := s.keys.ActiveKey(ctx, sd.Name)
	if err != nil {
		return nil, err
	}
	return &DNSConfig{
		Verification: DNSRecord{
			Name:  verificationPrefix + sd.Name,
			Type:  "TXT",
			Value: verificationValuePrefix + sd.VerificationToken,
		},
		DKIM: DNSRecord{
			Name:  dkim.TXTName(key),
			Type:  "TXT",
			Value: dkim.TXTRecord(key),
		},
		SPF: DNSRecord{
			Name:  sd.Name,
			Type:  "TXT",
			Value: "v=spf1 include:" + s.keys.FallbackDomain() + " ~all",
		},
		DMARC: DNSRecord{
			Name:  "_dmarc." + sd.Name,
			Type:  "TXT",
			Value: "v=DMARC1; p=none; rua=mailto:dmarc@" + s.keys.FallbackDomain(),
		},
	}, nil
}

// Verify runs one verification check: ownership is proven by the token
// TXT alone. DKIM publication is tracked separately, and SPF and DMARC
// are recorded as advisory findings; neither gates verification.
func (s *Service) Verify(ctx context.Context, sd *domain.SendingDomain) (*domain.SendingDomain, error) {
	now := time.Now().UTC()

	tokenOK, err := s.checkToken(ctx, sd)
	if err != nil && !dnsx.IsNotFound(err) {
		return nil, fmt.Errorf("registry: verify %s: %w", sd.Name, err)
	}
	dkimOK, err := s.checkDKIM(ctx, sd)
	if err != nil && !dnsx.IsNotFound(err) {
		return nil, fmt.Errorf("registry: verify %s: %w", sd.Name, err)
	}
	dkimStatus := sd.DKIMStatus
	if dkimOK {
		dkimStatus = domain.DKIMPublished
	}

	spf, dmarc := s.advisoryRecords(ctx, sd.Name)

	status := sd.Status
	var verifiedAt *time.Time
	switch {
	case tokenOK:
		status = domain.DomainVerified
		if sd.VerifiedAt == nil {
			verifiedAt = &now
		} else {
			verifiedAt = sd.VerifiedAt
		}
	case now.Sub(sd.CreatedAt) > verificationCutoff:
		status = domain.DomainFailed
	default:
		status = domain.DomainPending
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err = s.store.Exec(qctx, `
		UPDATE sending_domains
		SET status = $1, dkim_status = $2, spf_record = $3, dmarc_record = $4, verified_at = $5, last_check_at = $6
		WHERE id = $7
	`, status, dkimStatus, spf, dmarc, verifiedAt, now, sd.ID)
	if err != nil {
		return nil, fmt.Errorf("registry: verify update: %w", err)
	}

	if status == domain.DomainVerified && sd.Status != domain.DomainVerified {
		logger.Info("sending domain verified", "tenant_id", sd.TenantID, "domain", sd.Name)
	}

	sd.Status = status
	sd.DKIMStatus = dkimStatus
	sd.SPFRecord = spf
	sd.DMARCRecord = dmarc
	sd.VerifiedAt = verifiedAt
	sd.LastCheckAt = &now
	return sd, nil
}

// IsVerified reports whether (tenant, domainName) is a verified sending
// authority. Unknown domains are simply not verified.
func (s *Service) IsVerified(ctx context.Context, tenantID, domainName string) (bool, *domain.SendingDomain, error) {
	sd, err := s.GetByName(ctx, tenantID, domainName)
	if errors.Is(err, ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return sd.Status == domain.DomainVerified, sd, nil
}

// DueForCheck returns pending domains whose next scheduled check has
// arrived, per the polling ladder.
func (s *Service) DueForCheck(ctx context.Context, limit int) ([]*domain.SendingDomain, error) {
	if limit <= 0 {
		limit = 50
	}
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, fmt.Sprintf(`
		SELECT id, tenant_id, name, status, verification_token, dkim_selector, dkim_status,
		       spf_record, dmarc_record, verified_at, last_check_at, created_at
		FROM sending_domains WHERE status = $1 ORDER BY created_at ASC LIMIT %d
	`, limit), domain.DomainPending)
	if err != nil {
		return nil, fmt.Errorf("registry: due: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []*domain.SendingDomain
	for rows.Next() {
		sd, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		if NextCheckAt(sd, now).After(now) {
			continue
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// NextCheckAt computes when a pending domain should next be checked.
func NextCheckAt(sd *domain.SendingDomain, now time.Time) time.Time {
	if sd.LastCheckAt == nil {
		return sd.CreatedAt.Add(checkSchedule[0])
	}
	age := sd.LastCheckAt.Sub(sd.CreatedAt)
	interval := checkSchedule[len(checkSchedule)-1]
	for _, step := range checkSchedule {
		if age < step {
			interval = step
			break
		}
	}
	return sd.LastCheckAt.Add(interval)
}

func (s *Service) checkToken(ctx context.Context, sd *domain.SendingDomain) (bool, error) {
	txts, err := s.resolver.LookupTXT(ctx, verificationPrefix+sd.Name)
	if err != nil {
		return false, err
	}
	want := verificationValuePrefix + sd.VerificationToken
	for _, txt := range txts {
		if strings.TrimSpace(txt) == want {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) checkDKIM(ctx context.Context, sd *domain.SendingDomain) (bool, error) {
	key, err := s.keys.ActiveKey(ctx, sd.Name)
	if err != nil {
		return false, err
	}
	txts, err := s.resolver.LookupTXT(ctx, dkim.TXTName(key))
	if err != nil {
		return false, err
	}
	for _, txt := range txts {
		rec, err := dnsx.ParseDKIMRecord(txt)
		if err != nil {
			continue
		}
		if rec.PublicKey == key.PublicKey {
			return true, nil
		}
	}
	return false, nil
}

// advisoryRecords records the domain's current SPF and DMARC policies
// for display; absence is not an error.
func (s *Service) advisoryRecords(ctx context.Context, name string) (spf, dmarc string) {
	if txts, err := s.resolver.LookupTXT(ctx, name); err == nil {
		if rec, ok := dnsx.FindSPF(txts); ok {
			spf = rec.Raw
		}
	}
	if txts, err := s.resolver.LookupTXT(ctx, "_dmarc."+name); err == nil {
		if rec, ok := dnsx.FindDMARC(txts); ok {
			dmarc = rec.Raw
		}
	}
	return spf, dmarc
}

func scanDomain(rows *sql.Rows) (*domain.SendingDomain, error) {
	var sd domain.SendingDomain
	if err := rows.Scan(&sd.ID, &sd.TenantID, &sd.Name, &sd.Status, &sd.VerificationToken,
		&sd.DKIMSelector, &sd.DKIMStatus, &sd.SPFRecord, &sd.DMARCRecord, &sd.VerifiedAt,
		&sd.LastCheckAt, &sd.CreatedAt); err != nil {
		return nil, err
	}
	return &sd, nil
}

func scanDomainRow(row *sql.Row) (*domain.SendingDomain, error) {
	var sd domain.SendingDomain
	err := row.Scan(&sd.ID, &sd.TenantID, &sd.Name, &sd.Status, &sd.VerificationToken,
		&sd.DKIMSelector, &sd.DKIMStatus, &sd.SPFRecord, &sd.DMARCRecord, &sd.VerifiedAt,
		&sd.LastCheckAt, &sd.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}
	return &sd, nil
}
