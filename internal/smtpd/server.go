// Package smtpd runs the two inbound SMTP listeners: the MX listener on
// port 25 accepting mail for hosted domains (bounces, complaints,
// regular inbound), and the submission listener on port 587 where
// authenticated tenants inject mail into the outbound pipeline.
package smtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
)

// Submitter feeds authenticated submissions into the outbound pipeline.
type Submitter interface {
	Submit(ctx context.Context, req *pipeline.SubmitRequest) (*pipeline.SubmitResult, error)
}

// Credentials resolves SASL credentials to a tenant. The password is a
// full API key; the username is informational only.
type Credentials interface {
	Resolve(ctx context.Context, presented string) (*domain.Tenant, *domain.APIKey, error)
}

// IPLimiter throttles unauthenticated connections by source address.
type IPLimiter interface {
	AllowIP(ctx context.Context, ip string) (*ratelimit.Decision, error)
}

// Server owns both listeners.
type Server struct {
	cfg       config.SMTPConfig
	hostname  string
	submitter Submitter
	creds     Credentials
	limiter   IPLimiter
	ingestor  *Ingestor
	tlsConfig *tls.Config

	mx         *smtp.Server
	submission *smtp.Server

	mu      sync.Mutex
	running bool
}

// NewServer wires a server. limiter may be nil (no per-IP throttling);
// tlsConfig may be nil, which disables AUTH on the submission listener
// for anything but loopback testing.
func NewServer(cfg config.SMTPConfig, hostname string, submitter Submitter,
	creds Credentials, limiter IPLimiter, ingestor *Ingestor, tlsConfig *tls.Config) *Server {
	return &Server{
		cfg:       cfg,
		hostname:  hostname,
		submitter: submitter,
		creds:     creds,
		limiter:   limiter,
		ingestor:  ingestor,
		tlsConfig: tlsConfig,
	}
}

// Start brings up both listeners and returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("smtpd: already running")
	}
	s.running = true

	s.mx = s.newListener(&Backend{server: s, submission: false}, s.cfg.MXAddr())

	s.submission = s.newListener(&Backend{server: s, submission: true}, s.cfg.SubmissionAddr())
	s.submission.AllowInsecureAuth = s.tlsConfig == nil

	go s.serve(s.mx, "mx")
	go s.serve(s.submission, "submission")
	return nil
}

func (s *Server) newListener(backend smtp.Backend, addr string) *smtp.Server {
	srv := smtp.NewServer(backend)
	srv.Addr = addr
	srv.Domain = s.hostname
	srv.ReadTimeout = s.cfg.CommandTimeout()
	srv.WriteTimeout = s.cfg.CommandTimeout()
	srv.MaxMessageBytes = int64(s.cfg.MaxMessageBytes)
	srv.MaxRecipients = 50
	srv.TLSConfig = s.tlsConfig
	return srv
}

func (s *Server) serve(srv *smtp.Server, name string) {
	logger.Info("smtp listener started", "listener", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != smtp.ErrServerClosed {
		logger.Error("smtp listener failed", "listener", name, "error", err.Error())
	}
}

// Stop shuts down both listeners, waiting for in-flight sessions up to
// the given deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	done := make(chan struct{})
	go func() {
		if s.mx != nil {
			s.mx.Close()
		}
		if s.submission != nil {
			s.submission.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	logger.Info("smtp listeners stopped")
	return nil
}

// sessionDeadline bounds the work done for one DATA command.
const sessionDeadline = 60 * time.Second
