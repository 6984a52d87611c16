package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
)

func testLimiter(t *testing.T, limits config.RateLimitsConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, limits), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := testLimiter(t, config.RateLimitsConfig{
		"free": {"tenant_minute": 5, "tenant_day": 100},
	})

	for i := 0; i < 5; i++ {
		dec, err := l.Allow(context.Background(), SendCheck{
			TenantID: "t1", Plan: domain.PlanFree,
			SenderDomain: "acme.example", Count: 1,
		})
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "send %d", i)
	}

	dec, err := l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanFree,
		SenderDomain: "acme.example", Count: 1,
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ScopeTenantMinute, dec.Scope)
	assert.Equal(t, 5, dec.Limit)
	assert.Greater(t, dec.RetryAfter.Seconds(), 0.0)
}

func TestDenyDoesNotIncrement(t *testing.T) {
	l, _ := testLimiter(t, config.RateLimitsConfig{
		"free": {"tenant_minute": 3},
	})

	// A batch larger than the limit is denied outright
	dec, err := l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanFree,
		SenderDomain: "acme.example", Count: 10,
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	// Nothing was consumed: a batch of 3 still fits
	dec, err = l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanFree,
		SenderDomain: "acme.example", Count: 3,
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestDailyScopeOutlivesMinute(t *testing.T) {
	l, mr := testLimiter(t, config.RateLimitsConfig{
		"free": {"tenant_minute": 100, "tenant_day": 3},
	})

	for i := 0; i < 3; i++ {
		dec, err := l.Allow(context.Background(), SendCheck{
			TenantID: "t1", Plan: domain.PlanFree,
			SenderDomain: "acme.example", Count: 1,
		})
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	// Minute window rolls over; the day counter still blocks
	mr.FastForward(2 * 60 * 1e9)
	dec, err := l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanFree,
		SenderDomain: "acme.example", Count: 1,
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ScopeTenantDay, dec.Scope)
}

func TestScopesAreIndependentPerTenant(t *testing.T) {
	l, _ := testLimiter(t, config.RateLimitsConfig{
		"free": {"tenant_minute": 1},
	})

	dec, err := l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanFree, SenderDomain: "a.example", Count: 1,
	})
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Another tenant has its own counters
	dec, err = l.Allow(context.Background(), SendCheck{
		TenantID: "t2", Plan: domain.PlanFree, SenderDomain: "a.example", Count: 1,
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestRecipientDomainScope(t *testing.T) {
	l, _ := testLimiter(t, config.RateLimitsConfig{
		"pro": {"tenant_minute": 1000, "tenant_day": 100000, "recipient_domain_minute": 2},
	})

	for i := 0; i < 2; i++ {
		dec, err := l.Allow(context.Background(), SendCheck{
			TenantID: "t1", Plan: domain.PlanPro,
			SenderDomain: "acme.example", RcptDomain: "gmail.com", Count: 1,
		})
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanPro,
		SenderDomain: "acme.example", RcptDomain: "gmail.com", Count: 1,
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ScopeRcptDomainMin, dec.Scope)

	// Other recipient domains are unaffected
	dec, err = l.Allow(context.Background(), SendCheck{
		TenantID: "t1", Plan: domain.PlanPro,
		SenderDomain: "acme.example", RcptDomain: "outlook.com", Count: 1,
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestDecisionAPIError(t *testing.T) {
	d := &Decision{Scope: ScopeTenantMinute, Limit: 60, RetryAfter: 30 * 1e9}
	ae := d.APIError()
	assert.Equal(t, domain.CodeRateLimited, ae.Code)
	assert.Equal(t, "tenant_minute", ae.Details["scope"])
	assert.Equal(t, 30, ae.Details["retry_after_seconds"])
}
