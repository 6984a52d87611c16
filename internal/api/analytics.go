package api

import (
	"net/http"
	"time"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

// analyticsOverview sums roll-ups for the tenant. Defaults: day buckets
// over the trailing 7 days.
func (s *Server) analyticsOverview(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	q := r.URL.Query()

	bucket := domain.RollupBucket(q.Get("bucket"))
	switch bucket {
	case "":
		bucket = domain.BucketDay
	case domain.BucketHour, domain.BucketDay:
	default:
		httputil.BadRequest(w, "bucket must be hour or day")
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "from must be RFC 3339")
			return
		}
		from = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "to must be RFC 3339")
			return
		}
		to = parsed
	}
	if !to.After(from) {
		httputil.BadRequest(w, "to must be after from")
		return
	}

	ov, err := s.deps.Analytics.Overview(r.Context(), t.ID, bucket, from, to, q.Get("domain_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, ov)
}
