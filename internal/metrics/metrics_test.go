package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.EmailsSubmitted.WithLabelValues("accepted").Inc()
	m.EmailsSubmitted.WithLabelValues("accepted").Inc()
	m.DeliveryAttempts.WithLabelValues("transient").Inc()
	m.QueueDepth.WithLabelValues("delivery").Set(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `ultrazend_emails_submitted_total{outcome="accepted"} 2`)
	assert.Contains(t, out, `ultrazend_delivery_attempts_total{classification="transient"} 1`)
	assert.Contains(t, out, `ultrazend_queue_depth{queue="delivery"} 7`)
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.EmailsSubmitted.WithLabelValues("accepted").Inc()
	_ = b
	// Separate registries: no panic from duplicate registration
}
