package registry

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/storage"
)

type fakeResolver struct {
	txt map[string][]string
}

func (r *fakeResolver) LookupMX(_ context.Context, _ string) ([]*net.MX, error) {
	return nil, dnsx.ErrNoRecords
}

func (r *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if txts, ok := r.txt[name]; ok {
		return txts, nil
	}
	return nil, dnsx.ErrNoRecords
}

func (r *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return nil, dnsx.ErrNoRecords
}

func testPrivPEM(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

func domainColumns() []string {
	return []string{"id", "tenant_id", "name", "status", "verification_token",
		"dkim_selector", "dkim_status", "spf_record", "dmarc_record", "verified_at",
		"last_check_at", "created_at"}
}

func keyColumns() []string {
	return []string{"id", "domain_id", "domain_name", "selector", "algorithm",
		"private_key", "public_key", "active", "created_at"}
}

func TestRegisterRejectsBareLabel(t *testing.T) {
	svc := NewService(nil, &fakeResolver{}, nil)
	_, err := svc.Register(context.Background(), "t1", "localhost")
	ae := domain.AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, domain.CodeInvalidPayload, ae.Code)
}

func TestRegisterCreatesDomainAndKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sending_domains").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// DKIM key generation
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dkim_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO dkim_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := storage.New(db, storage.Postgres{})
	keys := dkim.NewKeyStore(store, "mail.ultrazend.example")
	svc := NewService(store, &fakeResolver{}, keys)

	sd, err := svc.Register(context.Background(), "t1", "Acme.Example")
	require.NoError(t, err)
	assert.Equal(t, "acme.example", sd.Name)
	assert.Equal(t, domain.DomainPending, sd.Status)
	assert.Len(t, sd.VerificationToken, 64) // 32 random bytes, hex
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySucceedsWithTokenAndDKIM(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := storage.New(db, storage.Postgres{})
	keys := dkim.NewKeyStore(store, "mail.ultrazend.example")

	// ActiveKey lookup during checkDKIM
	mock.ExpectQuery("SELECT id, domain_id, domain_name").
		WithArgs("acme.example").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "d1", "acme.example", "default", "rsa-sha256",
				testPrivPEM(t), "PUBKEYB64", true, time.Now()))
	mock.ExpectExec("UPDATE sending_domains").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolver := &fakeResolver{txt: map[string][]string{
		"_ultrazend-verification.acme.example": {"ultrazend-verification=tok123"},
		"default._domainkey.acme.example":      {"v=DKIM1; k=rsa; p=PUBKEYB64"},
	}}
	svc := NewService(store, resolver, keys)

	sd := &domain.SendingDomain{
		ID: "d1", TenantID: "t1", Name: "acme.example",
		Status: domain.DomainPending, VerificationToken: "tok123",
		DKIMStatus: domain.DKIMPending,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	got, err := svc.Verify(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, domain.DomainVerified, got.Status)
	assert.Equal(t, domain.DKIMPublished, got.DKIMStatus)
	require.NotNil(t, got.VerifiedAt)
}

func TestVerifySucceedsOnTokenAloneWithDKIMPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := storage.New(db, storage.Postgres{})
	keys := dkim.NewKeyStore(store, "mail.ultrazend.example")

	// ActiveKey lookup during the DKIM publication check
	mock.ExpectQuery("SELECT id, domain_id, domain_name").
		WithArgs("acme.example").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "d1", "acme.example", "default", "rsa-sha256",
				testPrivPEM(t), "PUBKEYB64", true, time.Now()))
	mock.ExpectExec("UPDATE sending_domains").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Token published, DKIM record absent: ownership still verifies.
	resolver := &fakeResolver{txt: map[string][]string{
		"_ultrazend-verification.acme.example": {"ultrazend-verification=tok123"},
	}}
	svc := NewService(store, resolver, keys)

	sd := &domain.SendingDomain{
		ID: "d1", TenantID: "t1", Name: "acme.example",
		Status: domain.DomainPending, VerificationToken: "tok123",
		DKIMStatus: domain.DKIMPending,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	got, err := svc.Verify(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, domain.DomainVerified, got.Status)
	assert.Equal(t, domain.DKIMPending, got.DKIMStatus)
	require.NotNil(t, got.VerifiedAt)
}

func TestDNSConfigUsesVerificationRecordContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := storage.New(db, storage.Postgres{})
	keys := dkim.NewKeyStore(store, "mail.ultrazend.example")

	mock.ExpectQuery("SELECT id, domain_id, domain_name").
		WithArgs("acme.example").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "d1", "acme.example", "default", "rsa-sha256",
				testPrivPEM(t), "PUBKEYB64", true, time.Now()))

	svc := NewService(store, &fakeResolver{}, keys)
	sd := &domain.SendingDomain{
		ID: "d1", TenantID: "t1", Name: "acme.example",
		VerificationToken: "tok123",
	}
	cfg, err := svc.DNSConfigFor(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, "_ultrazend-verification.acme.example", cfg.Verification.Name)
	assert.Equal(t, "ultrazend-verification=tok123", cfg.Verification.Value)
}

func TestVerifyStaysPendingWithoutToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, domain_id, domain_name").
		WithArgs("acme.example").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "d1", "acme.example", "default", "rsa-sha256",
				testPrivPEM(t), "PUBKEYB64", true, time.Now()))
	mock.ExpectExec("UPDATE sending_domains").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := storage.New(db, storage.Postgres{})
	svc := NewService(store, &fakeResolver{}, dkim.NewKeyStore(store, "mail.ultrazend.example"))

	sd := &domain.SendingDomain{
		ID: "d1", TenantID: "t1", Name: "acme.example",
		Status: domain.DomainPending, VerificationToken: "tok123",
		DKIMStatus: domain.DKIMPending,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	got, err := svc.Verify(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, domain.DomainPending, got.Status)
}

func TestVerifyFailsAfterCutoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, domain_id, domain_name").
		WithArgs("acme.example").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "d1", "acme.example", "default", "rsa-sha256",
				testPrivPEM(t), "PUBKEYB64", true, time.Now()))
	mock.ExpectExec("UPDATE sending_domains").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := storage.New(db, storage.Postgres{})
	svc := NewService(store, &fakeResolver{}, dkim.NewKeyStore(store, "mail.ultrazend.example"))

	sd := &domain.SendingDomain{
		ID: "d1", TenantID: "t1", Name: "acme.example",
		Status: domain.DomainPending, VerificationToken: "tok123",
		DKIMStatus: domain.DKIMPending,
		CreatedAt:  time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	got, err := svc.Verify(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, domain.DomainFailed, got.Status)
}

func TestNextCheckAtLadder(t *testing.T) {
	created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	sd := &domain.SendingDomain{CreatedAt: created}

	// Never checked: first check one minute after registration
	assert.Equal(t, created.Add(time.Minute), NextCheckAt(sd, created))

	// Checked at +1m: next at +5m from that check
	at := created.Add(time.Minute)
	sd.LastCheckAt = &at
	assert.Equal(t, at.Add(5*time.Minute), NextCheckAt(sd, at))

	// Checked at +2h: next after the 6h step
	at = created.Add(2 * time.Hour)
	sd.LastCheckAt = &at
	assert.Equal(t, at.Add(6*time.Hour), NextCheckAt(sd, at))

	// Beyond the ladder: repeats at the last interval
	at = created.Add(72 * time.Hour)
	sd.LastCheckAt = &at
	assert.Equal(t, at.Add(24*time.Hour), NextCheckAt(sd, at))
}
