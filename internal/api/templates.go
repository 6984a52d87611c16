package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

type templateRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	t := tenantFrom(r.Context())

	tmpl := &domain.Template{
		TenantID: t.ID,
		Name:     body.Name,
		Subject:  body.Subject,
		HTML:     body.HTML,
		Text:     body.Text,
	}
	if err := s.deps.Templates.Create(r.Context(), tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.Created(w, tmpl)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	tmpls, err := s.deps.Templates.List(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tmpls == nil {
		tmpls = []*domain.Template{}
	}
	httputil.OK(w, map[string]any{"templates": tmpls})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	tmpl, err := s.deps.Templates.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, tmpl)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	t := tenantFrom(r.Context())

	tmpl := &domain.Template{
		ID:       chi.URLParam(r, "id"),
		TenantID: t.ID,
		Name:     body.Name,
		Subject:  body.Subject,
		HTML:     body.HTML,
		Text:     body.Text,
	}
	if err := s.deps.Templates.Update(r.Context(), tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, tmpl)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := s.deps.Templates.Delete(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}
