// Package dnsx wraps DNS lookups with timeouts and retry, and parses the
// SPF/DKIM/DMARC TXT records the platform observes and publishes.
package dnsx

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"
)

// Resolver is the lookup contract the delivery path and the domain
// registry depend on. Tests substitute a fake.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, domain string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ErrNoRecords is returned when a lookup succeeds but yields nothing.
var ErrNoRecords = errors.New("dnsx: no records")

// Client is a Resolver over net.Resolver with a per-lookup timeout and a
// single retry on transient failure.
type Client struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewClient creates a Client. A zero timeout defaults to 10s.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{resolver: net.DefaultResolver, timeout: timeout}
}

// LookupMX returns MX records sorted ascending by preference.
func (c *Client) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	var mxs []*net.MX
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		mxs, err = c.resolver.LookupMX(ctx, domain)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	return mxs, nil
}

// LookupTXT returns all TXT strings for a name.
func (c *Client) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	var txts []string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		txts, err = c.resolver.LookupTXT(ctx, domain)
		return err
	})
	return txts, err
}

// LookupHost returns A/AAAA addresses for a host.
func (c *Client) LookupHost(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		addrs, err = c.resolver.LookupHost(ctx, host)
		return err
	})
	return addrs, err
}

// withRetry runs fn with the client timeout, retrying once on a
// temporary resolver error. NXDOMAIN is never retried.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lctx, cancel := context.WithTimeout(ctx, c.timeout)
		lastErr = fn(lctx)
		cancel()
		if lastErr == nil {
			return nil
		}
		var dnsErr *net.DNSError
		if errors.As(lastErr, &dnsErr) {
			if dnsErr.IsNotFound {
				return lastErr
			}
			if dnsErr.IsTemporary || dnsErr.IsTimeout {
				continue
			}
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// IsNotFound reports whether err is an NXDOMAIN / no-such-host failure,
// as opposed to a transient resolution error.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
