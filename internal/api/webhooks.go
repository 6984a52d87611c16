package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

// createWebhook registers an endpoint. The response carries the signing
// secret; it is never returned again.
func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	t := tenantFrom(r.Context())

	sub, err := s.deps.Webhooks.CreateSubscription(r.Context(), t.ID, body.URL, body.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.Created(w, map[string]any{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	subs, err := s.deps.Webhooks.ListSubscriptions(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*domain.WebhookSubscription{}
	}
	httputil.OK(w, map[string]any{"subscriptions": subs})
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	sub, err := s.deps.Webhooks.GetSubscription(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, sub)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := s.deps.Webhooks.DeleteSubscription(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// testWebhook fires a synthetic signed event at the endpoint and reports
// its status code.
func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	sub, err := s.deps.Webhooks.GetSubscription(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code, err := s.deps.Dispatcher.Test(r.Context(), sub)
	if err != nil {
		httputil.OK(w, map[string]any{"delivered": false, "error": err.Error()})
		return
	}
	httputil.OK(w, map[string]any{
		"delivered":   code >= 200 && code < 300,
		"status_code": code,
	})
}
