// Package delivery speaks SMTP to remote MX hosts directly. There is no
// relay provider: each message is handed to the recipient domain's own
// mail exchangers, with opportunistic STARTTLS and per-domain politeness
// limits.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ultrazend/ultrazend/internal/classify"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// ErrAllTargetsFailed is returned when every MX candidate failed with a
// transient error.
var ErrAllTargetsFailed = errors.New("delivery: all mx targets failed")

// Config tunes the outbound transport.
type Config struct {
	Hostname       string // EHLO identity
	Port           int    // remote SMTP port, 25 in production
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RequireTLS     bool // refuse to send in the clear
	VerifyTLS      bool
	PerDomain      int64 // concurrent conversations per recipient domain
}

// Attempt is the record of one SMTP conversation.
type Attempt struct {
	MXHost    string
	Code      int
	Text      string
	TLS       bool
	StartedAt time.Time
	Duration  time.Duration
	Result    classify.Result
}

// Transport delivers raw messages to recipient domains.
type Transport struct {
	cfg      Config
	resolver dnsx.Resolver

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted // recipient domain → politeness limit
}

// NewTransport creates a transport over the given resolver.
func NewTransport(cfg Config, resolver dnsx.Resolver) *Transport {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if cfg.PerDomain <= 0 {
		cfg.PerDomain = 8
	}
	return &Transport{
		cfg:      cfg,
		resolver: resolver,
		sems:     make(map[string]*semaphore.Weighted),
	}
}

// Deliver sends raw to the recipients (all in rcptDomain) and returns
// the conversation record. A nil error with a non-success Result means
// the remote rejected the message; the caller owns the retry decision.
func (t *Transport) Deliver(ctx context.Context, sender string, rcpts []string, rcptDomain string, raw []byte) (*Attempt, error) {
	sem := t.domainSem(rcptDomain)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	targets, err := ResolveTargets(ctx, t.resolver, rcptDomain)
	if err != nil {
		return nil, fmt.Errorf("delivery: resolve %s: %w", rcptDomain, err)
	}

	var last *Attempt
	for _, target := range targets {
		attempt := t.converse(ctx, target, sender, rcpts, raw)
		last = attempt

		switch attempt.Result.Outcome {
		case classify.Success:
			return attempt, nil
		case classify.Transient:
			// Try the next MX
			logger.Debug("mx attempt deferred, trying next",
				"mx", target.Host,
				"code", attempt.Code)
			continue
		default:
			// Permanent rejections end the walk, except the well-known
			// greylisting 5xx responses that behave like 4xx
			if classify.RetryableOnNextMX(attempt.Code, attempt.Text) {
				continue
			}
			return attempt, nil
		}
	}
	if last == nil {
		return nil, ErrAllTargetsFailed
	}
	return last, nil
}

// converse runs one full SMTP conversation with a target.
func (t *Transport) converse(ctx context.Context, target Target, sender string, rcpts []string, raw []byte) *Attempt {
	attempt := &Attempt{MXHost: target.Host, StartedAt: time.Now().UTC()}
	defer func() {
		attempt.Duration = time.Since(attempt.StartedAt)
		attempt.Result = classify.Reply(attempt.Code, attempt.Text)
	}()

	fail := func(err error) *Attempt {
		attempt.Code, attempt.Text = replyOf(err)
		return attempt
	}

	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target.Addr, fmt.Sprintf("%d", t.cfg.Port)))
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.cfg.CommandTimeout))

	client, err := smtp.NewClient(conn, target.Host)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	if err := client.Hello(t.cfg.Hostname); err != nil {
		return fail(err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{
			ServerName:         target.Host,
			InsecureSkipVerify: !t.cfg.VerifyTLS,
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			if t.cfg.RequireTLS {
				return fail(err)
			}
			// Opportunistic: redial and continue in the clear
			logger.Warn("starttls failed, retrying without tls",
				"mx", target.Host,
				"error", err.Error())
			return t.conversePlain(ctx, target, sender, rcpts, raw, attempt)
		}
		attempt.TLS = true
	} else if t.cfg.RequireTLS {
		attempt.Code, attempt.Text = 530, "5.7.0 STARTTLS not offered but required"
		return attempt
	}

	return t.finishConversation(client, sender, rcpts, raw, attempt)
}

// conversePlain redoes the conversation without attempting STARTTLS,
// used after a failed opportunistic handshake left the session dead.
func (t *Transport) conversePlain(ctx context.Context, target Target, sender string, rcpts []string, raw []byte, attempt *Attempt) *Attempt {
	fail := func(err error) *Attempt {
		attempt.Code, attempt.Text = replyOf(err)
		return attempt
	}

	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target.Addr, fmt.Sprintf("%d", t.cfg.Port)))
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.cfg.CommandTimeout))

	client, err := smtp.NewClient(conn, target.Host)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	if err := client.Hello(t.cfg.Hostname); err != nil {
		return fail(err)
	}
	return t.finishConversation(client, sender, rcpts, raw, attempt)
}

func (t *Transport) finishConversation(client *smtp.Client, sender string, rcpts []string, raw []byte, attempt *Attempt) *Attempt {
	fail := func(err error) *Attempt {
		attempt.Code, attempt.Text = replyOf(err)
		return attempt
	}

	if err := client.Mail(sender); err != nil {
		return fail(err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fail(err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fail(err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	client.Quit()

	attempt.Code, attempt.Text = 250, "2.0.0 accepted"
	return attempt
}

func (t *Transport) domainSem(rcptDomain string) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[rcptDomain]
	if !ok {
		sem = semaphore.NewWeighted(t.cfg.PerDomain)
		t.sems[rcptDomain] = sem
	}
	return sem
}

// replyOf extracts the SMTP code and text from an error. Network-level
// failures carry no reply code and map to a synthetic 421.
func replyOf(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, tpErr.Msg
	}
	msg := err.Error()
	// net/smtp sometimes wraps the reply into a plain error string
	if len(msg) > 4 && msg[3] == ' ' {
		if code := parseCode(msg[:3]); code != 0 {
			return code, strings.TrimSpace(msg[4:])
		}
	}
	return 421, "4.4.2 " + msg
}

func parseCode(s string) int {
	code := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	if code < 200 || code > 599 {
		return 0
	}
	return code
}
