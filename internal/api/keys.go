package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

// issueKey mints an API key. The plaintext appears in this response and
// nowhere else.
func (s *Server) issueKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string                    `json:"name"`
		Permissions []domain.APIKeyPermission `json:"permissions"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		httputil.Error(w, http.StatusBadRequest, domain.CodeMissingField, "key name is required")
		return
	}
	t := tenantFrom(r.Context())

	key, plaintext, err := s.deps.Tenants.IssueKey(r.Context(), t.ID, body.Name, body.Permissions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.Created(w, map[string]any{
		"key":       key,
		"plaintext": plaintext,
	})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	keys, err := s.deps.Tenants.ListKeys(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*domain.APIKey{}
	}
	httputil.OK(w, map[string]any{"keys": keys})
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := s.deps.Tenants.RevokeKey(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}
