package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
)

// sendEmailRequest is the body of POST /emails.
type sendEmailRequest struct {
	From       string            `json:"from"`
	To         []string          `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html"`
	Text       string            `json:"text"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]any    `json:"variables"`
	Headers    map[string]string `json:"headers"`
}

// sendEmailResponse acknowledges an accepted submission.
type sendEmailResponse struct {
	ID        string            `json:"id"`
	MessageID string            `json:"message_id"`
	State     domain.EmailState `json:"state"`
	Replay    bool              `json:"replay,omitempty"`
}

func (s *Server) sendEmail(w http.ResponseWriter, r *http.Request) {
	var body sendEmailRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	t := tenantFrom(r.Context())

	res, err := s.deps.Submitter.Submit(r.Context(), &pipeline.SubmitRequest{
		TenantID:       t.ID,
		Plan:           t.Plan,
		From:           body.From,
		To:             body.To,
		Subject:        body.Subject,
		HTML:           body.HTML,
		Text:           body.Text,
		TemplateID:     body.TemplateID,
		Variables:      body.Variables,
		Headers:        body.Headers,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.Accepted(w, sendEmailResponse{
		ID:        res.Email.ID,
		MessageID: res.Email.MessageID,
		State:     res.Email.State,
		Replay:    res.Replay,
	})
}

// batchRequest is the body of POST /emails/batch.
type batchRequest struct {
	Emails []sendEmailRequest `json:"emails"`
}

// batchItemResult is one per-item outcome; a batch is not transactional.
type batchItemResult struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *Server) sendBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.Emails) == 0 {
		httputil.BadRequest(w, "emails must be non-empty")
		return
	}
	if len(body.Emails) > s.maxBatchSize() {
		httputil.BadRequest(w, "batch exceeds max size "+strconv.Itoa(s.maxBatchSize()))
		return
	}
	t := tenantFrom(r.Context())

	results := make([]batchItemResult, len(body.Emails))
	for i, item := range body.Emails {
		results[i].Index = i
		res, err := s.deps.Submitter.Submit(r.Context(), &pipeline.SubmitRequest{
			TenantID:   t.ID,
			Plan:       t.Plan,
			From:       item.From,
			To:         item.To,
			Subject:    item.Subject,
			HTML:       item.HTML,
			Text:       item.Text,
			TemplateID: item.TemplateID,
			Variables:  item.Variables,
			Headers:    item.Headers,
		})
		if err != nil {
			results[i].Error = &struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{Code: domain.CodeInvalidPayload, Message: err.Error()}
			if ae := domain.AsAPIError(err); ae != nil {
				results[i].Error.Code = ae.Code
				results[i].Error.Message = ae.Message
			}
			continue
		}
		results[i].ID = res.Email.ID
		results[i].MessageID = res.Email.MessageID
	}

	httputil.Accepted(w, map[string]any{"results": results})
}

func (s *Server) maxBatchSize() int {
	if s.cfg.MaxBatchSize > 0 {
		return s.cfg.MaxBatchSize
	}
	return 100
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	emails, err := s.deps.Emails.List(r.Context(), t.ID, pipeline.ListFilter{
		State:  domain.EmailState(q.Get("state")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if emails == nil {
		emails = []*domain.Email{}
	}
	httputil.OK(w, map[string]any{"emails": emails})
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	email, err := s.deps.Emails.Get(r.Context(), t.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.OK(w, email)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	// Confirm ownership first so an unknown id and a foreign id are
	// indistinguishable.
	if _, err := s.deps.Emails.Get(r.Context(), t.ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts, err := s.deps.Emails.Attempts(r.Context(), t.ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*domain.DeliveryAttempt{}
	}
	httputil.OK(w, map[string]any{"attempts": attempts})
}
