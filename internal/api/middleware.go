package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxAPIKey
)

// authenticate resolves the bearer token to a tenant and stores both the
// tenant and the key on the request context. No token, or a bad one, is
// a 401 with no hint about which part failed.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := bearerToken(r)
		if presented == "" {
			httputil.Unauthenticated(w, "missing api key")
			return
		}

		t, key, err := s.deps.Auth.Resolve(r.Context(), presented)
		if err != nil {
			logger.Warn("api auth failed",
				"code", domain.CodeUnauthenticated,
				"path", r.URL.Path,
				"remote", r.RemoteAddr)
			httputil.Unauthenticated(w, "invalid api key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenant, t)
		ctx = context.WithValue(ctx, ctxAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePerm gates a route on one API key permission. Keys without
// explicit permissions pass everything.
func requirePerm(p domain.APIKeyPermission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKeyFrom(r.Context())
			if key == nil || !key.Has(p) {
				httputil.Error(w, http.StatusForbidden, domain.CodeForbidden,
					"api key lacks permission "+string(p))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, found := strings.CutPrefix(h, "Bearer "); found {
		return strings.TrimSpace(after)
	}
	return ""
}

func tenantFrom(ctx context.Context) *domain.Tenant {
	t, _ := ctx.Value(ctxTenant).(*domain.Tenant)
	return t
}

func apiKeyFrom(ctx context.Context) *domain.APIKey {
	k, _ := ctx.Value(ctxAPIKey).(*domain.APIKey)
	return k
}
