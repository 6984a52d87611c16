package tenant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/storage"
)

func keyColumns() []string {
	return []string{"id", "tenant_id", "name", "prefix", "hash", "permissions",
		"last_used_at", "revoked_at", "created_at"}
}

func TestSplitKey(t *testing.T) {
	prefix, secret, ok := splitKey("uz_abcd1234_deadbeefcafe")
	assert.True(t, ok)
	assert.Equal(t, "abcd1234", prefix)
	assert.Equal(t, "deadbeefcafe", secret)

	for _, bad := range []string{"", "uz_", "uz_abcd", "zz_abcd_secret", "uz__secret", "uz_abcd_"} {
		_, _, ok := splitKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestResolveValidKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, tenant_id, name, prefix, hash").
		WithArgs("abcd1234").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "t1", "prod", "abcd1234", string(hash), `["emails:send"]`,
				nil, nil, time.Now()))
	mock.ExpectQuery("SELECT id, name, plan, created_at FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "plan", "created_at"}).
			AddRow("t1", "Acme", "pro", time.Now()))
	// last_used_at touch is best effort
	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(storage.New(db, storage.Postgres{}))
	tenant, key, err := svc.Resolve(context.Background(), "uz_abcd1234_topsecret")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.ID)
	assert.Equal(t, domain.PlanPro, tenant.Plan)
	assert.True(t, key.Has(domain.PermSendEmail))
	assert.False(t, key.Has(domain.PermManageDomains))
}

func TestResolveWrongSecret(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, tenant_id, name, prefix, hash").
		WithArgs("abcd1234").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "t1", "prod", "abcd1234", string(hash), `[]`,
				nil, nil, time.Now()))

	svc := NewService(storage.New(db, storage.Postgres{}))
	_, _, err = svc.Resolve(context.Background(), "uz_abcd1234_wrong")
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestResolveRevokedKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	require.NoError(t, err)
	revoked := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT id, tenant_id, name, prefix, hash").
		WithArgs("abcd1234").
		WillReturnRows(sqlmock.NewRows(keyColumns()).
			AddRow("k1", "t1", "prod", "abcd1234", string(hash), `[]`,
				nil, revoked, time.Now()))

	svc := NewService(storage.New(db, storage.Postgres{}))
	_, _, err = svc.Resolve(context.Background(), "uz_abcd1234_topsecret")
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestIssueKeyFormat(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewService(storage.New(db, storage.Postgres{}))
	key, plaintext, err := svc.IssueKey(context.Background(), "t1", "ci",
		[]domain.APIKeyPermission{domain.PermSendEmail})
	require.NoError(t, err)

	parts := strings.Split(plaintext, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "uz", parts[0])
	assert.Equal(t, key.Prefix, parts[1])
	// Stored hash verifies the returned secret
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(parts[2])))
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize("t1", "t1", "email e1"))

	err := Authorize("t1", "t2", "email e1")
	require.Error(t, err)
	ae := domain.AsAPIError(err)
	require.NotNil(t, ae)
	// Cross-tenant access presents as not-found, never as forbidden
	assert.Equal(t, domain.CodeNotFound, ae.Code)
}

func TestRevokeKeyMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	svc := NewService(storage.New(db, storage.Postgres{}))
	assert.ErrorIs(t, svc.RevokeKey(context.Background(), "t1", "nope"), ErrNotFound)
}
