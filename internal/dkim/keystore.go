// Package dkim owns per-domain signing keys and applies DKIM signatures
// to outbound messages. The envelope sender's domain selects the key;
// unverified senders are signed with the fallback domain's key.
package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// DefaultSelector is the selector assigned on first key generation.
// Rotation selectors are sYYYYMM.
const DefaultSelector = "default"

// ErrNoActiveKey is returned when a domain has no active signing key.
var ErrNoActiveKey = errors.New("dkim: no active key for domain")

// KeyStore loads and caches signing keys. The cache is read-mostly and
// replaced wholesale on rotation (copy-on-rotate), so readers never block
// on key generation.
type KeyStore struct {
	store          *storage.Store
	fallbackDomain string

	mu    sync.RWMutex
	cache map[string]*cachedKey // domain name → active key
}

type cachedKey struct {
	key      *domain.DKIMKey
	signer   *rsa.PrivateKey
	loadedAt time.Time
}

const cacheTTL = 10 * time.Minute

// NewKeyStore creates a key store bound to the configured fallback domain.
func NewKeyStore(store *storage.Store, fallbackDomain string) *KeyStore {
	return &KeyStore{
		store:          store,
		fallbackDomain: domain.NormalizeDomain(fallbackDomain),
		cache:          make(map[string]*cachedKey),
	}
}

// FallbackDomain returns the system-owned signing domain.
func (ks *KeyStore) FallbackDomain() string { return ks.fallbackDomain }

// EnsureFallbackKey generates the fallback domain's key on first boot.
// Idempotent across processes.
func (ks *KeyStore) EnsureFallbackKey(ctx context.Context) error {
	_, err := ks.ActiveKey(ctx, ks.fallbackDomain)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoActiveKey) {
		return err
	}
	_, err = ks.Generate(ctx, "", ks.fallbackDomain, DefaultSelector)
	if err != nil {
		// Lost the race to another process: the key now exists
		if _, again := ks.ActiveKey(ctx, ks.fallbackDomain); again == nil {
			return nil
		}
	}
	return err
}

// Generate creates an RSA-2048 keypair for (domain, selector), stores it
// as the active key, and deactivates prior keys for the same selector.
func (ks *KeyStore) Generate(ctx context.Context, domainID, domainName, selector string) (*domain.DKIMKey, error) {
	domainName = domain.NormalizeDomain(domainName)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("dkim: generate keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("dkim: marshal public key: %w", err)
	}

	key := &domain.DKIMKey{
		ID:         uuid.New().String(),
		DomainID:   domainID,
		DomainName: domainName,
		Selector:   selector,
		Algorithm:  "rsa-sha256",
		PrivateKey: string(privPEM),
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	qctx, cancel := ks.store.Ctx(ctx)
	defer cancel()
	err = ks.store.Tx(qctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(qctx, ks.store.Dialect.Rebind(`
			UPDATE dkim_keys SET active = FALSE
			WHERE domain_name = $1 AND selector = $2 AND active = TRUE
		`), domainName, selector); err != nil {
			return err
		}
		_, err := tx.ExecContext(qctx, ks.store.Dialect.Rebind(`
			INSERT INTO dkim_keys (id, domain_id, domain_name, selector, algorithm, private_key, public_key, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		`), key.ID, key.DomainID, key.DomainName, key.Selector, key.Algorithm, key.PrivateKey, key.PublicKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: store key: %w", err)
	}

	ks.invalidate(domainName)
	logger.Info("dkim key generated", "domain", domainName, "selector", selector)
	return key, nil
}

// Rotate generates a new key under a dated selector (sYYYYMM) and makes
// it the domain's signing key. The old selector's key stays published so
// in-flight mail still verifies.
func (ks *KeyStore) Rotate(ctx context.Context, domainID, domainName string) (*domain.DKIMKey, error) {
	selector := "s" + time.Now().UTC().Format("200601")
	return ks.Generate(ctx, domainID, domainName, selector)
}

// ActiveKey returns the newest active key for a domain, from cache when
// fresh.
func (ks *KeyStore) ActiveKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	domainName = domain.NormalizeDomain(domainName)

	ks.mu.RLock()
	if c, ok := ks.cache[domainName]; ok && time.Since(c.loadedAt) < cacheTTL {
		ks.mu.RUnlock()
		return c.key, nil
	}
	ks.mu.RUnlock()

	qctx, cancel := ks.store.Ctx(ctx)
	defer cancel()
	row := ks.store.QueryRow(qctx, `
		SELECT id, domain_id, domain_name, selector, algorithm, private_key, public_key, active, created_at
		FROM dkim_keys
		WHERE domain_name = $1 AND active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`, domainName)

	var key domain.DKIMKey
	err := row.Scan(&key.ID, &key.DomainID, &key.DomainName, &key.Selector,
		&key.Algorithm, &key.PrivateKey, &key.PublicKey, &key.Active, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: load key: %w", err)
	}

	signer, err := parsePrivateKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}

	ks.mu.Lock()
	// Copy-on-rotate: replace the map so concurrent readers never see a
	// partially updated cache
	next := make(map[string]*cachedKey, len(ks.cache)+1)
	for k, v := range ks.cache {
		next[k] = v
	}
	next[domainName] = &cachedKey{key: &key, signer: signer, loadedAt: time.Now()}
	ks.cache = next
	ks.mu.Unlock()

	return &key, nil
}

// signerFor returns the parsed RSA key for a domain, loading it if needed.
func (ks *KeyStore) signerFor(ctx context.Context, domainName string) (*domain.DKIMKey, *rsa.PrivateKey, error) {
	domainName = domain.NormalizeDomain(domainName)
	if _, err := ks.ActiveKey(ctx, domainName); err != nil {
		return nil, nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	c, ok := ks.cache[domainName]
	if !ok {
		return nil, nil, ErrNoActiveKey
	}
	return c.key, c.signer, nil
}

func (ks *KeyStore) invalidate(domainName string) {
	ks.mu.Lock()
	next := make(map[string]*cachedKey, len(ks.cache))
	for k, v := range ks.cache {
		if k != domainName {
			next[k] = v
		}
	}
	ks.cache = next
	ks.mu.Unlock()
}

func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("dkim: private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dkim: unsupported key type %T", parsed)
	}
	return rsaKey, nil
}

// TXTRecord returns the DNS record value to publish at
// <selector>._domainkey.<domain>.
func TXTRecord(key *domain.DKIMKey) string {
	return "v=DKIM1; k=rsa; p=" + key.PublicKey
}

// TXTName returns the DNS name the record must live at.
func TXTName(key *domain.DKIMKey) string {
	return key.Selector + "._domainkey." + key.DomainName
}
