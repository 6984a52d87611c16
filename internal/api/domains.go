package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

func (s *Server) registerDomain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	t := tenantFrom(r.Context())

	sd, err := s.deps.Domains.Register(r.Context(), t.ID, body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dns, err := s.deps.Domains.DNSConfigFor(r.Context(), sd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.Created(w, map[string]any{"domain": sd, "dns": dns})
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	domains, err := s.deps.Domains.List(r.Context(), t.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if domains == nil {
		domains = []*domain.SendingDomain{}
	}
	httputil.OK(w, map[string]any{"domains": domains})
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	sd, err := s.deps.Domains.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, sd)
}

func (s *Server) deleteDomain(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := s.deps.Domains.Delete(r.Context(), t.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// verifyDomain runs one on-demand verification check, outside the
// background polling ladder.
func (s *Server) verifyDomain(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	sd, err := s.deps.Domains.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sd, err = s.deps.Domains.Verify(r.Context(), sd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, sd)
}

func (s *Server) domainDNS(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	sd, err := s.deps.Domains.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dns, err := s.deps.Domains.DNSConfigFor(r.Context(), sd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, dns)
}
