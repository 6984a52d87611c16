// Package api is the tenant-facing REST surface. Every route under /api
// is authenticated by API key; /health and /metrics are open. Handlers
// translate between HTTP and the domain services and never reach into
// storage directly.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ultrazend/ultrazend/internal/analytics"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/registry"
	"github.com/ultrazend/ultrazend/internal/suppression"
	"github.com/ultrazend/ultrazend/internal/templates"
	"github.com/ultrazend/ultrazend/internal/tenant"
	"github.com/ultrazend/ultrazend/internal/webhook"
)

// Authenticator resolves a presented API key to a tenant.
type Authenticator interface {
	Resolve(ctx context.Context, presented string) (*domain.Tenant, *domain.APIKey, error)
}

// Submitter enters a submission into the outbound pipeline.
type Submitter interface {
	Submit(ctx context.Context, req *pipeline.SubmitRequest) (*pipeline.SubmitResult, error)
}

// Deps carries everything the API server serves from.
type Deps struct {
	Auth         Authenticator
	Submitter    Submitter
	Emails       *pipeline.EmailStore
	Domains      *registry.Service
	Webhooks     *webhook.Service
	Dispatcher   *webhook.Dispatcher
	Templates    *templates.Service
	Tenants      *tenant.Service
	Suppressions *suppression.Service
	Analytics    *analytics.Service
	Health       *HealthChecker
	Metrics      http.Handler
}

// Server is the HTTP API server.
type Server struct {
	cfg  config.ServerConfig
	deps Deps

	httpSrv *http.Server
}

// NewServer builds the server; call Start to listen.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router assembles the chi router with middleware and all routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.ultrazend.example", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.deps.Health != nil {
		r.Get("/health", s.deps.Health.Handle)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/emails", func(r chi.Router) {
			r.With(requirePerm(domain.PermSendEmail)).Post("/", s.sendEmail)
			r.With(requirePerm(domain.PermSendEmail)).Post("/batch", s.sendBatch)
			r.With(requirePerm(domain.PermReadEmail)).Get("/", s.listEmails)
			r.With(requirePerm(domain.PermReadEmail)).Get("/{id}", s.getEmail)
			r.With(requirePerm(domain.PermReadEmail)).Get("/{id}/attempts", s.listAttempts)
		})

		r.Route("/domains", func(r chi.Router) {
			r.Use(requirePerm(domain.PermManageDomains))
			r.Post("/", s.registerDomain)
			r.Get("/", s.listDomains)
			r.Get("/{id}", s.getDomain)
			r.Delete("/{id}", s.deleteDomain)
			r.Post("/{id}/verify", s.verifyDomain)
			r.Get("/{id}/dns", s.domainDNS)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(requirePerm(domain.PermManageHooks))
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/{id}", s.getWebhook)
			r.Delete("/{id}", s.deleteWebhook)
			r.Post("/{id}/test", s.testWebhook)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.createTemplate)
			r.Get("/", s.listTemplates)
			r.Get("/{id}", s.getTemplate)
			r.Put("/{id}", s.updateTemplate)
			r.Delete("/{id}", s.deleteTemplate)
		})

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", s.issueKey)
			r.Get("/", s.listKeys)
			r.Delete("/{id}", s.revokeKey)
		})

		r.Route("/suppressions", func(r chi.Router) {
			r.Post("/", s.addSuppression)
			r.Get("/", s.listSuppressions)
			r.Delete("/{email}", s.removeSuppression)
		})

		r.With(requirePerm(domain.PermReadAnalytics)).
			Get("/analytics/overview", s.analyticsOverview)
	})

	return r
}

// Start listens until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}

// writeError maps service errors onto the wire taxonomy. Not-found
// sentinels from every service collapse to 404; anything unrecognized
// is a 500 with a correlation id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmailNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, suppression.ErrNotFound),
		errors.Is(err, tenant.ErrNotFound):
		httputil.NotFound(w, "resource not found")
		return
	case errors.Is(err, tenant.ErrBadKey):
		httputil.Unauthenticated(w, "invalid api key")
		return
	}

	if ae := domain.AsAPIError(err); ae != nil {
		setRetryAfter(w, ae)
		httputil.APIError(w, ae)
		return
	}
	httputil.InternalError(w, middleware.GetReqID(r.Context()), err)
}

// setRetryAfter surfaces the limiter's hint on 429 responses.
func setRetryAfter(w http.ResponseWriter, ae *domain.APIError) {
	if ae.Code != domain.CodeRateLimited && ae.Code != domain.CodeQuotaExceeded {
		return
	}
	if secs, ok := ae.Details["retry_after_seconds"]; ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%v", secs))
	}
}
