package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

// addSuppression records a manual suppression for the tenant.
func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string     `json:"email"`
		Reason    string     `json:"reason"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Email == "" {
		httputil.Error(w, http.StatusBadRequest, domain.CodeMissingField, "email is required")
		return
	}
	if _, err := domain.ParseAddress(body.Email); err != nil {
		httputil.Error(w, http.StatusBadRequest, domain.CodeInvalidEmailFormat, "invalid email address")
		return
	}
	reason := domain.SuppressionReason(body.Reason)
	switch reason {
	case "":
		reason = domain.ReasonManual
	case domain.ReasonHardBounce, domain.ReasonComplaint, domain.ReasonUnsubscribe,
		domain.ReasonManual, domain.ReasonInvalidRecipient:
	default:
		httputil.BadRequest(w, "unknown suppression reason")
		return
	}
	t := tenantFrom(r.Context())

	sup := &domain.Suppression{
		TenantID:  t.ID,
		Email:     body.Email,
		Reason:    reason,
		Source:    domain.SourceAPI,
		ExpiresAt: body.ExpiresAt,
	}
	if err := s.deps.Suppressions.Add(r.Context(), sup); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.Created(w, sup)
}

func (s *Server) listSuppressions(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	sups, err := s.deps.Suppressions.List(r.Context(), t.ID,
		domain.SuppressionReason(q.Get("reason")), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sups == nil {
		sups = []*domain.Suppression{}
	}
	httputil.OK(w, map[string]any{"suppressions": sups})
}

func (s *Server) removeSuppression(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		httputil.BadRequest(w, "invalid email path segment")
		return
	}
	if err := s.deps.Suppressions.Remove(r.Context(), t.ID, email); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}
