package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/storage"
)

func TestSignAndVerify(t *testing.T) {
	ts := time.Unix(1756000000, 0)
	body := []byte(`{"event_id":"ev1"}`)
	header := Sign("sekrit", ts, body)

	assert.Contains(t, header, "t=1756000000, v1=")
	assert.True(t, Verify("sekrit", header, body, ts, time.Minute))
	assert.False(t, Verify("wrong", header, body, ts, time.Minute))
	assert.False(t, Verify("sekrit", header, []byte("tampered"), ts, time.Minute))
	// Stale timestamp outside the tolerance window
	assert.False(t, Verify("sekrit", header, body, ts.Add(10*time.Minute), time.Minute))
	// Zero tolerance disables the timestamp check
	assert.True(t, Verify("sekrit", header, body, ts.Add(10*time.Minute), 0))
}

func TestVerifyMalformedHeaders(t *testing.T) {
	body := []byte("{}")
	for _, h := range []string{"", "t=abc, v1=00", "v1=00", "t=123"} {
		assert.False(t, Verify("s", h, body, time.Now(), 0), h)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	svc := NewService(nil)

	_, err := svc.CreateSubscription(context.Background(), "t1", "not-a-url", nil)
	ae := domain.AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, domain.CodeInvalidPayload, ae.Code)

	_, err = svc.CreateSubscription(context.Background(), "t1", "https://hooks.example.com/x",
		[]string{"nonsense"})
	ae = domain.AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, domain.CodeInvalidPayload, ae.Code)
}

func TestCreateSubscriptionStores(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO webhook_subscriptions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewService(storage.New(db, storage.Postgres{}))
	sub, err := svc.CreateSubscription(context.Background(), "t1",
		"https://hooks.example.com/x", []string{"delivered", "bounced"})
	require.NoError(t, err)
	assert.Len(t, sub.Secret, 64) // 32 random bytes, hex
	assert.True(t, sub.Active)
}

func subColumns() []string {
	return []string{"id", "tenant_id", "url", "events", "secret", "active", "created_at"}
}

func TestFanoutMatchesSubscriptions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM webhook_subscriptions").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(subColumns()).
			AddRow("s1", "t1", "https://a.example/h", `["delivered"]`, "sec1", true, time.Now()).
			AddRow("s2", "t1", "https://b.example/h", `[]`, "sec2", true, time.Now()).
			AddRow("s3", "t1", "https://c.example/h", `["bounced"]`, "sec3", true, time.Now()).
			AddRow("s4", "t1", "https://d.example/h", `[]`, "sec4", false, time.Now()))
	// s1 (explicit match) and s2 (all events) receive deliveries;
	// s3 wants a different type, s4 is inactive
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewService(storage.New(db, storage.Postgres{}))
	err = svc.Fanout(context.Background(), &domain.Event{
		ID: "ev1", TenantID: "t1", Type: domain.EventDelivered,
		EmailID: "e1", OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func delColumns() []string {
	return []string{"id", "tenant_id", "subscription_id", "event_id", "event_type",
		"payload", "attempts", "next_retry_at", "last_status_code", "status", "created_at"}
}

func TestDispatchDeliversAndSigns(t *testing.T) {
	var gotSig, gotEvent, gotDelivery string
	var gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-UZ-Signature")
		gotEvent = r.Header.Get("X-UZ-Event")
		gotDelivery = r.Header.Get("X-UZ-Delivery")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("FROM webhook_deliveries").
		WillReturnRows(sqlmock.NewRows(delColumns()).
			AddRow("del1", "t1", "s1", "ev1", "delivered", `{"event_id":"ev1"}`,
				0, now, 0, "pending", now))
	mock.ExpectQuery("FROM webhook_subscriptions").
		WithArgs("s1", "t1").
		WillReturnRows(sqlmock.NewRows(subColumns()).
			AddRow("s1", "t1", ts.URL, `[]`, "sekrit", true, now))
	mock.ExpectExec("UPDATE webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := storage.New(db, storage.Postgres{})
	d := NewDispatcher(store, NewService(store), nil, "X-UZ-Signature", 5*time.Second)

	n, err := d.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotEmpty(t, gotSig)
	assert.True(t, Verify("sekrit", gotSig, []byte(gotBody), time.Now(), time.Minute))
	assert.Equal(t, "delivered", gotEvent)
	assert.Equal(t, "del1", gotDelivery)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTestEventCarriesDeliveryHeaders(t *testing.T) {
	var gotEvent, gotDelivery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-UZ-Event")
		gotDelivery = r.Header.Get("X-UZ-Delivery")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewDispatcher(nil, nil, nil, "X-UZ-Signature", 5*time.Second)
	sub := &domain.WebhookSubscription{ID: "s1", TenantID: "t1", URL: ts.URL, Secret: "sek"}
	code, err := d.Test(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test", gotEvent)
	assert.NotEmpty(t, gotDelivery)
}

func TestDispatchReschedulesOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("FROM webhook_deliveries").
		WillReturnRows(sqlmock.NewRows(delColumns()).
			AddRow("del1", "t1", "s1", "ev1", "delivered", `{}`,
				0, now, 0, "pending", now))
	mock.ExpectQuery("FROM webhook_subscriptions").
		WillReturnRows(sqlmock.NewRows(subColumns()).
			AddRow("s1", "t1", ts.URL, `[]`, "sek", true, now))
	mock.ExpectExec("UPDATE webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := storage.New(db, storage.Postgres{})
	d := NewDispatcher(store, NewService(store), nil, "", 5*time.Second)

	_, err = d.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryLadderShape(t *testing.T) {
	require.Len(t, retryLadder, 8)
	assert.Equal(t, time.Duration(0), retryLadder[0])
	assert.Equal(t, 30*time.Second, retryLadder[1])
	assert.Equal(t, 24*time.Hour, retryLadder[7])
	for i := 1; i < len(retryLadder); i++ {
		assert.Greater(t, retryLadder[i], retryLadder[i-1])
	}
}
