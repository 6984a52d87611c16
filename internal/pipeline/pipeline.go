// Package pipeline drives an email from API submission through DKIM
// signing and direct-to-MX delivery. Submit validates and enqueues; a
// worker later claims the queue item and runs Process, which owns the
// state machine from queued to a terminal state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/classify"
	"github.com/ultrazend/ultrazend/internal/delivery"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/events"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/templates"
)

const maxRecipients = 50

// defaultMaxMessageBytes caps the assembled message size unless the
// deployment overrides it.
const defaultMaxMessageBytes = 25 << 20

// Deliverer hands a signed message to a recipient domain's MX hosts.
type Deliverer interface {
	Deliver(ctx context.Context, sender string, rcpts []string, rcptDomain string, raw []byte) (*delivery.Attempt, error)
}

// MessageSigner produces DKIM signatures, falling back to the system
// domain when the sender's domain has no usable key.
type MessageSigner interface {
	Sign(ctx context.Context, signingDomain string, raw []byte) (*dkim.SignResult, error)
	SigningDomainFor(ctx context.Context, senderDomain string, verified bool) string
}

// DomainRegistry answers whether a sender domain is verified for a
// tenant.
type DomainRegistry interface {
	IsVerified(ctx context.Context, tenantID, domainName string) (bool, *domain.SendingDomain, error)
}

// SendLimiter gates submissions against the tenant's plan limits.
type SendLimiter interface {
	Allow(ctx context.Context, chk ratelimit.SendCheck) (*ratelimit.Decision, error)
}

// SuppressionList checks and grows the tenant's suppression list.
type SuppressionList interface {
	Check(ctx context.Context, tenantID, email string) (bool, domain.SuppressionReason, error)
	Add(ctx context.Context, sup *domain.Suppression) error
}

// TemplateRenderer loads and renders stored templates.
type TemplateRenderer interface {
	Get(ctx context.Context, tenantID, id string) (*domain.Template, error)
	Render(t *domain.Template, vars map[string]any) (*templates.Rendered, error)
}

// Pipeline wires the submission and delivery sides together.
type Pipeline struct {
	emails      *EmailStore
	queue       *queue.Queue
	suppression SuppressionList
	limiter     SendLimiter
	templates   TemplateRenderer
	registry    DomainRegistry
	signer      MessageSigner
	transport   Deliverer
	bus         *events.Bus
	idem        *Idempotency
	hostname    string

	maxMessageBytes int64
}

// New assembles a pipeline. limiter, templates and idem may be nil when
// the corresponding feature is disabled (tests, single-binary dev mode).
func New(emails *EmailStore, q *queue.Queue, sup SuppressionList, limiter SendLimiter,
	tmpl TemplateRenderer, reg DomainRegistry, signer MessageSigner, transport Deliverer,
	bus *events.Bus, idem *Idempotency, hostname string) *Pipeline {
	return &Pipeline{
		emails:      emails,
		queue:       q,
		suppression: sup,
		limiter:     limiter,
		templates:   tmpl,
		registry:    reg,
		signer:      signer,
		transport:   transport,
		bus:         bus,
		idem:        idem,
		hostname:    hostname,

		maxMessageBytes: defaultMaxMessageBytes,
	}
}

// SetMaxMessageBytes overrides the per-message size cap. The same cap
// guards the SMTP listeners via the server's MaxMessageBytes.
func (p *Pipeline) SetMaxMessageBytes(n int64) {
	if n > 0 {
		p.maxMessageBytes = n
	}
}

// SubmitRequest is one outbound email submission.
type SubmitRequest struct {
	TenantID       string
	Plan           domain.Plan
	From           string
	To             []string
	Subject        string
	HTML           string
	Text           string
	TemplateID     string
	Variables      map[string]any
	Headers        map[string]string
	IdempotencyKey string
	SourceIP       string // set for SMTP submissions, empty for API
}

// SubmitResult reports what Submit did.
type SubmitResult struct {
	Email  *domain.Email
	Replay bool // idempotency key matched an earlier submission
}

// deliveryPayload is the queue item body: one recipient-domain group.
type deliveryPayload struct {
	Domain string   `json:"domain"`
	Rcpts  []string `json:"rcpts"`
}

// Submit validates a submission, persists the email in the queued state
// and enqueues one delivery item per recipient domain.
func (p *Pipeline) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	from, rcpts, err := p.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := p.applyTemplate(ctx, req); err != nil {
		return nil, err
	}
	if req.Subject == "" {
		return nil, domain.NewAPIError(domain.CodeMissingField, "subject is required").
			WithDetail("field", "subject")
	}
	if req.HTML == "" && req.Text == "" {
		return nil, domain.NewAPIError(domain.CodeMissingField, "html or text body is required")
	}

	accepted, suppressed, err := p.partitionSuppressed(ctx, req.TenantID, rcpts)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, domain.NewAPIError(domain.CodeSuppressed, "all recipients are suppressed").
			WithDetail("suppressed", suppressed)
	}

	groups := groupByDomain(accepted)
	if err := p.checkLimits(ctx, req, from, groups); err != nil {
		return nil, err
	}

	email := &domain.Email{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		MessageID:    NewMessageID(p.hostname),
		Direction:    domain.DirectionOutbound,
		EnvelopeFrom: from,
		EnvelopeTo:   accepted,
		Subject:      req.Subject,
		Headers:      req.Headers,
		BodyHTML:     req.HTML,
		BodyText:     req.Text,
		State:        domain.EmailQueued,
		CreatedAt:    time.Now().UTC(),
	}
	if req.TemplateID != "" {
		email.TemplateID = &req.TemplateID
	}
	email.SizeBytes = int64(len(BuildMessage(email, "")))
	if email.SizeBytes > p.maxMessageBytes {
		return nil, domain.NewAPIError(domain.CodeInvalidPayload, "message exceeds maximum size").
			WithDetail("size_bytes", email.SizeBytes).
			WithDetail("max_bytes", p.maxMessageBytes)
	}

	if existingID, replay, err := p.idem.Reserve(ctx, req.TenantID, req.IdempotencyKey, email.ID); err != nil {
		return nil, err
	} else if replay {
		existing, err := p.emails.Get(ctx, req.TenantID, existingID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Email: existing, Replay: true}, nil
	}

	if err := p.emails.Insert(ctx, email); err != nil {
		p.idem.Release(ctx, req.TenantID, req.IdempotencyKey)
		return nil, err
	}

	for _, g := range groups {
		payload, _ := json.Marshal(deliveryPayload{Domain: g.domain, Rcpts: g.rcpts})
		if _, err := p.queue.Enqueue(ctx, req.TenantID, queue.QueueDelivery, email.ID,
			string(payload), 0, time.Time{}); err != nil {
			p.idem.Release(ctx, req.TenantID, req.IdempotencyKey)
			return nil, err
		}
	}

	p.publish(email, "", domain.EventQueued, nil)
	for _, s := range suppressed {
		p.publish(email, "", domain.EventRejected, map[string]string{
			"recipient": logger.RedactEmail(s),
			"cause":     "suppressed",
		})
	}

	logger.Info("email accepted",
		"tenant_id", req.TenantID,
		"email_id", email.ID,
		"recipients", len(accepted),
		"groups", len(groups))
	return &SubmitResult{Email: email}, nil
}

func (p *Pipeline) validate(ctx context.Context, req *SubmitRequest) (from string, rcpts []string, err error) {
	from, err = domain.ParseAddress(req.From)
	if err != nil {
		return "", nil, domain.NewAPIError(domain.CodeInvalidEmailFormat, "invalid from address").
			WithDetail("field", "from")
	}
	if len(req.To) == 0 {
		return "", nil, domain.NewAPIError(domain.CodeMissingField, "at least one recipient is required").
			WithDetail("field", "to")
	}
	if len(req.To) > maxRecipients {
		return "", nil, domain.NewAPIError(domain.CodeInvalidPayload,
			fmt.Sprintf("too many recipients (max %d)", maxRecipients))
	}
	seen := make(map[string]bool, len(req.To))
	for _, to := range req.To {
		addr, err := domain.ParseAddress(to)
		if err != nil {
			return "", nil, domain.NewAPIError(domain.CodeInvalidEmailFormat, "invalid recipient address").
				WithDetail("recipient", to)
		}
		if seen[strings.ToLower(addr)] {
			continue
		}
		seen[strings.ToLower(addr)] = true
		rcpts = append(rcpts, addr)
	}
	return from, rcpts, nil
}

func (p *Pipeline) applyTemplate(ctx context.Context, req *SubmitRequest) error {
	if req.TemplateID == "" || p.templates == nil {
		return nil
	}
	tmpl, err := p.templates.Get(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return domain.NewAPIError(domain.CodeTemplateNotFound, "template not found").
			WithDetail("template_id", req.TemplateID)
	}
	rendered, err := p.templates.Render(tmpl, req.Variables)
	if err != nil {
		return domain.NewAPIError(domain.CodeInvalidPayload, "template render failed").
			WithDetail("cause", err.Error())
	}
	if req.Subject == "" {
		req.Subject = rendered.Subject
	}
	if req.HTML == "" {
		req.HTML = rendered.HTML
	}
	if req.Text == "" {
		req.Text = rendered.Text
	}
	return nil
}

func (p *Pipeline) partitionSuppressed(ctx context.Context, tenantID string, rcpts []string) (accepted, suppressed []string, err error) {
	for _, rcpt := range rcpts {
		hit, _, err := p.suppression.Check(ctx, tenantID, rcpt)
		if err != nil {
			return nil, nil, err
		}
		if hit {
			suppressed = append(suppressed, rcpt)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	return accepted, suppressed, nil
}

type rcptGroup struct {
	domain string
	rcpts  []string
}

func groupByDomain(rcpts []string) []rcptGroup {
	byDomain := make(map[string][]string)
	for _, r := range rcpts {
		d := domain.AddressDomain(r)
		byDomain[d] = append(byDomain[d], r)
	}
	var groups []rcptGroup
	for d, rs := range byDomain {
		groups = append(groups, rcptGroup{domain: d, rcpts: rs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].domain < groups[j].domain })
	return groups
}

// checkLimits runs one limiter evaluation per recipient-domain group.
// The tenant-wide scopes increment by each group's size, so the total
// matches the recipient count; the source IP only counts once.
func (p *Pipeline) checkLimits(ctx context.Context, req *SubmitRequest, from string, groups []rcptGroup) error {
	if p.limiter == nil {
		return nil
	}
	senderDomain := domain.AddressDomain(from)
	for i, g := range groups {
		chk := ratelimit.SendCheck{
			TenantID:     req.TenantID,
			Plan:         req.Plan,
			SenderDomain: senderDomain,
			RcptDomain:   g.domain,
			Count:        len(g.rcpts),
		}
		if i == 0 {
			chk.SourceIP = req.SourceIP
		}
		decision, err := p.limiter.Allow(ctx, chk)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return decision.APIError()
		}
	}
	return nil
}

// Process runs one claimed delivery item to completion: sign, deliver,
// classify, transition. Transient failures reschedule the item; the
// queue's budget turns exhaustion into a failed email.
func (p *Pipeline) Process(ctx context.Context, item *queue.Item) error {
	email, err := p.emails.GetAny(ctx, item.EmailID)
	if err != nil {
		// Orphaned item; nothing to deliver
		logger.Error("delivery item references missing email",
			"item_id", item.ID, "email_id", item.EmailID)
		return p.queue.Complete(ctx, item.ID)
	}
	if email.State.Terminal() {
		return p.queue.Complete(ctx, item.ID)
	}

	var payload deliveryPayload
	if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
		return fmt.Errorf("pipeline: decode delivery payload: %w", err)
	}

	signed, envSender, signingDomain, fallback, err := p.sign(ctx, email)
	if err != nil {
		return p.deferDelivery(ctx, item, email, nil, err.Error())
	}
	if err := p.emails.MarkSigned(ctx, email.ID, signingDomain, fallback); err != nil {
		return err
	}
	if err := p.emails.SetState(ctx, email.ID, domain.EmailSending, ""); err != nil {
		return err
	}

	attempt, err := p.transport.Deliver(ctx, envSender, payload.Rcpts, payload.Domain, signed)
	if err != nil {
		// DNS failures and context errors carry no SMTP reply
		return p.deferDelivery(ctx, item, email, nil, err.Error())
	}

	record := &domain.DeliveryAttempt{
		EmailID:        email.ID,
		TenantID:       email.TenantID,
		AttemptNumber:  item.Attempts + 1,
		MXHost:         attempt.MXHost,
		StartedAt:      attempt.StartedAt,
		DurationMS:     attempt.Duration.Milliseconds(),
		SMTPCode:       attempt.Code,
		SMTPText:       attempt.Text,
		Classification: attempt.Result.AttemptClassification(),
	}

	switch attempt.Result.Outcome {
	case classify.Success:
		if err := p.emails.RecordAttempt(ctx, record); err != nil {
			return err
		}
		if err := p.emails.SetState(ctx, email.ID, domain.EmailSent, ""); err != nil {
			return err
		}
		p.publish(email, signingDomain, domain.EventSent, nil)
		p.publish(email, signingDomain, domain.EventDelivered, map[string]string{
			"mx_host": attempt.MXHost,
		})
		return p.queue.Complete(ctx, item.ID)

	case classify.Transient:
		return p.deferDelivery(ctx, item, email, record,
			fmt.Sprintf("%d %s", attempt.Code, attempt.Text))

	default: // Permanent, Suppress, Complaint
		if err := p.emails.RecordAttempt(ctx, record); err != nil {
			return err
		}
		cause := fmt.Sprintf("%d %s", attempt.Code, attempt.Text)
		if err := p.emails.SetState(ctx, email.ID, domain.EmailBounced, cause); err != nil {
			return err
		}
		if attempt.Result.Suppress {
			p.suppressRecipients(ctx, email, payload.Rcpts, attempt)
		}
		p.publish(email, signingDomain, domain.EventBounced, map[string]string{
			"smtp_code": fmt.Sprintf("%d", attempt.Code),
			"mx_host":   attempt.MXHost,
		})
		return p.queue.Complete(ctx, item.ID)
	}
}

// sign assembles the wire message and signs it. When the sender's domain
// cannot sign, the From header and envelope sender are rewritten to the
// fallback domain with the original sender preserved in Reply-To.
func (p *Pipeline) sign(ctx context.Context, email *domain.Email) (signed []byte, envSender, signingDomain string, fallback bool, err error) {
	senderDomain := domain.AddressDomain(email.EnvelopeFrom)
	verified := false
	if p.registry != nil {
		verified, _, err = p.registry.IsVerified(ctx, email.TenantID, senderDomain)
		if err != nil {
			return nil, "", "", false, err
		}
	}

	if err := p.emails.SetState(ctx, email.ID, domain.EmailSigning, ""); err != nil {
		return nil, "", "", false, err
	}

	signingDomain = p.signer.SigningDomainFor(ctx, senderDomain, verified)
	fallback = signingDomain != senderDomain

	envSender = email.EnvelopeFrom
	fromHeader := ""
	if fallback {
		local := email.EnvelopeFrom
		if at := strings.LastIndex(local, "@"); at >= 0 {
			local = local[:at]
		}
		envSender = local + "@" + signingDomain
		fromHeader = envSender
	}

	raw := BuildMessage(email, fromHeader)
	res, err := p.signer.Sign(ctx, signingDomain, raw)
	if err != nil {
		return nil, "", "", false, err
	}
	return res.Raw, envSender, signingDomain, fallback, nil
}

// deferDelivery records a transient failure and reschedules, turning an
// exhausted retry budget into a failed email.
func (p *Pipeline) deferDelivery(ctx context.Context, item *queue.Item, email *domain.Email, record *domain.DeliveryAttempt, cause string) error {
	if record != nil {
		if err := p.emails.RecordAttempt(ctx, record); err != nil {
			return err
		}
	}

	retryErr := p.queue.Retry(ctx, item, cause)
	if retryErr == nil {
		if record != nil {
			next := item.RunAt
			record.NextRetryAt = &next
		}
		if err := p.emails.SetState(ctx, email.ID, domain.EmailDeferred, cause); err != nil {
			return err
		}
		p.publish(email, email.DKIMDomainUsed, domain.EventDeferred, map[string]string{
			"cause": cause,
		})
		return nil
	}
	if retryErr == queue.ErrExhausted {
		if err := p.emails.SetState(ctx, email.ID, domain.EmailFailed, cause); err != nil {
			return err
		}
		p.publish(email, email.DKIMDomainUsed, domain.EventBounced, map[string]string{
			"cause": "retry budget exhausted",
		})
		return nil
	}
	return retryErr
}

func (p *Pipeline) suppressRecipients(ctx context.Context, email *domain.Email, rcpts []string, attempt *delivery.Attempt) {
	for _, rcpt := range rcpts {
		sup := &domain.Suppression{
			TenantID: email.TenantID,
			Email:    rcpt,
			Reason:   attempt.Result.Reason,
			Source:   domain.SourceSMTPReply,
			SMTPCode: attempt.Code,
			Detail:   attempt.Text,
		}
		if err := p.suppression.Add(ctx, sup); err != nil {
			logger.Error("suppression insert failed",
				"tenant_id", email.TenantID,
				"email", logger.RedactEmail(rcpt),
				"error", err.Error())
		}
	}
}

func (p *Pipeline) publish(email *domain.Email, domainID string, typ domain.EventType, metadata map[string]string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(&domain.Event{
		ID:         uuid.New().String(),
		TenantID:   email.TenantID,
		DomainID:   domainID,
		EmailID:    email.ID,
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Metadata:   metadata,
	})
}
