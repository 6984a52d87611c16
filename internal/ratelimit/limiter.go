// Package ratelimit enforces per-tenant send quotas with atomic Redis
// counters. Check-and-increment runs as one Lua script per scope so
// concurrent submitters cannot race past a limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// Scope names a rate-limit window. Limits per scope come from the
// tenant's plan in config.
type Scope string

const (
	ScopeTenantMinute    Scope = "tenant_minute"
	ScopeTenantDay       Scope = "tenant_day"
	ScopeDomainMinute    Scope = "domain_minute"           // sender domain
	ScopeRcptDomainMin   Scope = "recipient_domain_minute" // politeness toward receivers
	ScopeIPMinute        Scope = "ip_minute"               // submission source IP
)

// Default limits applied when a plan has no explicit entry.
var defaults = map[Scope]int{
	ScopeTenantMinute:  60,
	ScopeTenantDay:     2000,
	ScopeDomainMinute:  60,
	ScopeRcptDomainMin: 600,
	ScopeIPMinute:      120,
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Scope      Scope         // first scope that denied, when not allowed
	Current    int64         // counter value in the denying window
	Limit      int
	RetryAfter time.Duration // hint for the Retry-After header
}

// checkScript atomically checks every window and increments only when
// all pass. KEYS alternate with ARGV triples (increment once, then
// limit+ttl per key).
const checkScript = `
local increment = tonumber(ARGV[1])
for i = 1, #KEYS do
    local limit = tonumber(ARGV[2*i])
    local current = tonumber(redis.call("GET", KEYS[i]) or "0")
    if current + increment > limit then
        return {0, i, current}
    end
end
for i = 1, #KEYS do
    local ttl = tonumber(ARGV[2*i+1])
    local newVal = redis.call("INCRBY", KEYS[i], increment)
    if newVal == increment then
        redis.call("EXPIRE", KEYS[i], ttl)
    end
end
return {1, 0, 0}
`

// Limiter evaluates all send-path scopes in one round trip.
type Limiter struct {
	redis  *redis.Client
	limits config.RateLimitsConfig
	script *redis.Script
}

// New creates a limiter over an existing Redis client.
func New(client *redis.Client, limits config.RateLimitsConfig) *Limiter {
	return &Limiter{
		redis:  client,
		limits: limits,
		script: redis.NewScript(checkScript),
	}
}

// NewFromURL connects to Redis and returns a limiter.
func NewFromURL(redisURL string, limits config.RateLimitsConfig) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return New(client, limits), nil
}

// SendCheck is the input for an outbound-send limit evaluation.
type SendCheck struct {
	TenantID     string
	Plan         domain.Plan
	SenderDomain string
	RcptDomain   string
	SourceIP     string // empty for API submissions
	Count        int    // recipients in this submission
}

// Allow atomically evaluates every applicable scope for one submission.
// On deny, no counter is incremented.
func (l *Limiter) Allow(ctx context.Context, chk SendCheck) (*Decision, error) {
	if chk.Count <= 0 {
		chk.Count = 1
	}
	now := time.Now()
	minute := now.Unix() / 60
	day := now.UTC().Format("2006-01-02")

	type window struct {
		scope Scope
		key   string
		ttl   int
	}
	windows := []window{
		{ScopeTenantMinute, fmt.Sprintf("rl:tenant:%s:min:%d", chk.TenantID, minute), 120},
		{ScopeTenantDay, fmt.Sprintf("rl:tenant:%s:day:%s", chk.TenantID, day), 90000},
		{ScopeDomainMinute, fmt.Sprintf("rl:dom:%s:%s:min:%d", chk.TenantID, chk.SenderDomain, minute), 120},
	}
	if chk.RcptDomain != "" {
		windows = append(windows, window{
			ScopeRcptDomainMin, fmt.Sprintf("rl:rcpt:%s:min:%d", chk.RcptDomain, minute), 120,
		})
	}
	if chk.SourceIP != "" {
		windows = append(windows, window{
			ScopeIPMinute, fmt.Sprintf("rl:ip:%s:min:%d", chk.SourceIP, minute), 120,
		})
	}

	keys := make([]string, len(windows))
	args := make([]any, 0, 1+2*len(windows))
	args = append(args, chk.Count)
	for i, w := range windows {
		keys[i] = w.key
		args = append(args, l.limitFor(chk.Plan, w.scope), w.ttl)
	}

	res, err := l.script.Run(ctx, l.redis, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: check: %w", err)
	}

	allowed := res[0].(int64) == 1
	if allowed {
		return &Decision{Allowed: true}, nil
	}

	denied := windows[res[1].(int64)-1]
	dec := &Decision{
		Allowed: false,
		Scope:   denied.scope,
		Current: res[2].(int64),
		Limit:   l.limitFor(chk.Plan, denied.scope),
	}
	if denied.scope == ScopeTenantDay {
		dec.RetryAfter = time.Until(now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour))
	} else {
		dec.RetryAfter = time.Duration(60-now.Second()) * time.Second
	}

	logger.Warn("rate limit exceeded",
		"code", domain.CodeRateLimited,
		"tenant_id", chk.TenantID,
		"scope", string(dec.Scope),
		"limit", dec.Limit)
	return dec, nil
}

// AllowIP evaluates only the per-IP window, for unauthenticated inbound
// SMTP connections where no tenant is known yet.
func (l *Limiter) AllowIP(ctx context.Context, ip string) (*Decision, error) {
	minute := time.Now().Unix() / 60
	key := fmt.Sprintf("rl:ip:%s:min:%d", ip, minute)
	limit := defaults[ScopeIPMinute]

	res, err := l.script.Run(ctx, l.redis, []string{key}, 1, limit, 120).Slice()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: ip check: %w", err)
	}
	if res[0].(int64) == 1 {
		return &Decision{Allowed: true}, nil
	}
	return &Decision{
		Allowed:    false,
		Scope:      ScopeIPMinute,
		Current:    res[2].(int64),
		Limit:      limit,
		RetryAfter: time.Duration(60-time.Now().Second()) * time.Second,
	}, nil
}

// APIError converts a denial into the surfaced error value.
func (d *Decision) APIError() *domain.APIError {
	return domain.NewAPIError(domain.CodeRateLimited, "rate limit exceeded").
		WithDetail("scope", string(d.Scope)).
		WithDetail("limit", d.Limit).
		WithDetail("retry_after_seconds", int(d.RetryAfter.Seconds()))
}

func (l *Limiter) limitFor(plan domain.Plan, scope Scope) int {
	return l.limits.Limit(string(plan), string(scope), defaults[scope])
}

// Close closes the Redis connection.
func (l *Limiter) Close() error { return l.redis.Close() }
