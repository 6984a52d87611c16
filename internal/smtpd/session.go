package smtpd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// Backend creates sessions for one listener.
type Backend struct {
	server     *Server
	submission bool
}

// NewSession throttles unauthenticated MX connections by source IP
// before any command is read.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteIP := ""
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}

	if !b.submission && b.server.limiter != nil && remoteIP != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		decision, err := b.server.limiter.AllowIP(ctx, remoteIP)
		if err != nil {
			logger.Error("inbound ip check failed", "ip", remoteIP, "error", err.Error())
		} else if !decision.Allowed {
			return nil, &smtp.SMTPError{
				Code:         421,
				EnhancedCode: smtp.EnhancedCode{4, 7, 0},
				Message:      "too many connections, try again later",
			}
		}
	}

	_, tlsOn := c.TLSConnectionState()
	return &Session{
		backend:  b,
		remoteIP: remoteIP,
		tls:      tlsOn,
		started:  time.Now(),
	}, nil
}

// Session is one SMTP conversation.
type Session struct {
	backend  *Backend
	remoteIP string
	tls      bool
	started  time.Time

	authenticated bool
	tenant        *domain.Tenant

	from   string
	rcpts  []string
	owners map[string]string // rcpt domain → tenant ID, MX listener only
}

// AuthMechanisms advertises SASL only on the submission listener, and
// only over TLS unless TLS is disabled entirely (loopback testing).
func (s *Session) AuthMechanisms() []string {
	if !s.backend.submission {
		return nil
	}
	if s.backend.server.tlsConfig != nil && !s.tls {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Auth resolves the presented password as a full API key; the username
// is informational.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.submission {
		return nil, smtp.ErrAuthUnsupported
	}
	check := func(username, password string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tenant, _, err := s.backend.server.creds.Resolve(ctx, password)
		if err != nil {
			logger.Warn("submission auth failed",
				"ip", s.remoteIP,
				"username", logger.RedactEmail(username))
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "authentication credentials invalid",
			}
		}
		s.authenticated = true
		s.tenant = tenant
		logger.Info("submission authenticated",
			"tenant_id", tenant.ID,
			"ip", s.remoteIP)
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return check(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(check), nil
	}
	return nil, smtp.ErrAuthUnsupported
}

// Mail records the envelope sender. The empty reverse-path of bounce
// messages is accepted on the MX listener.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.submission && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	if from != "" {
		if _, err := domain.ParseAddress(from); err != nil {
			return &smtp.SMTPError{
				Code:         501,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "invalid sender address",
			}
		}
	} else if s.backend.submission {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "sender address required",
		}
	}
	s.from = from
	return nil
}

// Rcpt accepts a recipient. The MX listener only takes mail for hosted
// domains; everything else is relay denial.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr, err := domain.ParseAddress(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !s.backend.submission {
		rcptDomain := domain.AddressDomain(addr)
		if s.owners == nil {
			s.owners = make(map[string]string)
		}
		if _, known := s.owners[rcptDomain]; !known {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sd, err := s.backend.server.ingestor.registry.TenantForDomain(ctx, rcptDomain)
			if err != nil {
				return &smtp.SMTPError{
					Code:         550,
					EnhancedCode: smtp.EnhancedCode{5, 7, 1},
					Message:      "relay access denied",
				}
			}
			s.owners[rcptDomain] = sd.TenantID
		}
	}

	s.rcpts = append(s.rcpts, addr)
	return nil
}

// Data reads the message and routes it: MX traffic to the ingestor,
// submissions into the outbound pipeline.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "no recipients",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionDeadline)
	defer cancel()

	if s.backend.submission {
		return s.submit(ctx, raw)
	}
	tenantID := s.owners[domain.AddressDomain(s.rcpts[0])]
	if err := s.backend.server.ingestor.Ingest(ctx, tenantID, s.from, s.rcpts, raw); err != nil {
		logger.Error("inbound ingestion failed", "error", err.Error())
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure",
		}
	}
	return nil
}

// submit parses the injected message and enters the outbound pipeline,
// applying the same validation, suppression and rate-limit path as the
// HTTP API.
func (s *Session) submit(ctx context.Context, raw []byte) error {
	parsed, err := parseSubmission(raw)
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "message unparseable",
		}
	}

	_, err = s.backend.server.submitter.Submit(ctx, &pipeline.SubmitRequest{
		TenantID: s.tenant.ID,
		Plan:     s.tenant.Plan,
		From:     s.from,
		To:       s.rcpts,
		Subject:  parsed.subject,
		HTML:     parsed.html,
		Text:     parsed.text,
		Headers:  parsed.headers,
		SourceIP: s.remoteIP,
	})
	if err != nil {
		return submitErrorToSMTP(err)
	}
	return nil
}

// submitErrorToSMTP maps pipeline rejections to SMTP replies.
func submitErrorToSMTP(err error) error {
	ae := domain.AsAPIError(err)
	if ae == nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure",
		}
	}
	switch ae.Code {
	case domain.CodeRateLimited, domain.CodeQuotaExceeded:
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 2, 1},
			Message:      "rate limit exceeded, try again later",
		}
	case domain.CodeSuppressed:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "all recipients suppressed",
		}
	default:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      fmt.Sprintf("rejected: %s", ae.Message),
		}
	}
}

func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *Session) Logout() error {
	logger.Debug("smtp session ended",
		"ip", s.remoteIP,
		"duration_ms", time.Since(s.started).Milliseconds(),
		"authenticated", s.authenticated)
	return nil
}

// parsedSubmission is the minimal structure extracted from an injected
// message.
type parsedSubmission struct {
	subject string
	html    string
	text    string
	headers map[string]string
}

// carriedHeaders are the submission headers preserved onto the rebuilt
// outbound message.
var carriedHeaders = []string{"Reply-To", "Cc", "References", "In-Reply-To"}

func parseSubmission(raw []byte) (*parsedSubmission, error) {
	msg, err := readMessage(raw)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, err
	}

	out := &parsedSubmission{subject: msg.Header.Get("Subject")}
	for _, h := range carriedHeaders {
		if v := msg.Header.Get(h); v != "" {
			if out.headers == nil {
				out.headers = make(map[string]string)
			}
			out.headers[h] = v
		}
	}

	if strings.Contains(strings.ToLower(msg.Header.Get("Content-Type")), "text/html") {
		out.html = string(body)
	} else {
		out.text = string(body)
	}
	return out, nil
}
