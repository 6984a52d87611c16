package smtpd

import (
	"bufio"
	"bytes"
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/classify"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/events"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// TenantLookup resolves a hosted domain to its owning tenant.
type TenantLookup interface {
	TenantForDomain(ctx context.Context, name string) (*domain.SendingDomain, error)
}

// Ingestor persists MX-listener traffic and feeds bounce and complaint
// reports back into the suppression and analytics paths.
type Ingestor struct {
	emails      *pipeline.EmailStore
	suppression pipeline.SuppressionList
	registry    TenantLookup
	bus         *events.Bus
}

// NewIngestor wires an ingestor.
func NewIngestor(emails *pipeline.EmailStore, sup pipeline.SuppressionList,
	registry TenantLookup, bus *events.Bus) *Ingestor {
	return &Ingestor{emails: emails, suppression: sup, registry: registry, bus: bus}
}

// Ingest stores one inbound message and processes any DSN or ARF report
// it carries.
func (in *Ingestor) Ingest(ctx context.Context, tenantID, from string, rcpts []string, raw []byte) error {
	msg, err := readMessage(raw)

	subject := ""
	if err == nil {
		subject = msg.Header.Get("Subject")
	}

	email := &domain.Email{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		MessageID:    messageIDOf(msg),
		Direction:    domain.DirectionInbound,
		EnvelopeFrom: from,
		EnvelopeTo:   rcpts,
		Subject:      subject,
		BodyText:     string(raw),
		State:        domain.EmailReceived,
		SizeBytes:    int64(len(raw)),
		CreatedAt:    time.Now().UTC(),
	}
	if err := in.emails.Insert(ctx, email); err != nil {
		return err
	}

	if msg == nil {
		return nil
	}

	report := parseReport(msg)
	if report == nil {
		logger.Debug("inbound message stored",
			"tenant_id", tenantID,
			"email_id", email.ID,
			"size", len(raw))
		return nil
	}

	result := report.classify()
	if result.Suppress && report.Recipient != "" {
		sup := &domain.Suppression{
			TenantID: tenantID,
			Email:    report.Recipient,
			Reason:   result.Reason,
			Source:   report.source(),
			Detail:   report.Detail,
		}
		if err := in.suppression.Add(ctx, sup); err != nil {
			logger.Error("report suppression failed",
				"tenant_id", tenantID,
				"email", logger.RedactEmail(report.Recipient),
				"error", err.Error())
		}
	}

	eventType := domain.EventBounced
	if report.Kind == reportARF {
		eventType = domain.EventComplained
	}
	if in.bus != nil {
		in.bus.Publish(&domain.Event{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			EmailID:    email.ID,
			Type:       eventType,
			OccurredAt: time.Now().UTC(),
			Metadata: map[string]string{
				"recipient": logger.RedactEmail(report.Recipient),
				"detail":    report.Detail,
			},
		})
	}

	logger.Info("inbound report processed",
		"tenant_id", tenantID,
		"kind", string(report.Kind),
		"suppressed", result.Suppress)
	return nil
}

type reportKind string

const (
	reportDSN reportKind = "dsn"
	reportARF reportKind = "arf"
)

// Report is the distilled content of a DSN or ARF message.
type Report struct {
	Kind      reportKind
	Action    string // DSN: failed, delayed, delivered, ...
	Status    string // DSN: 5.1.1 style
	Feedback  string // ARF: abuse, fraud, ...
	Recipient string
	Detail    string
}

func (r *Report) classify() classify.Result {
	if r.Kind == reportARF {
		return classify.ARF(r.Feedback)
	}
	return classify.DSNAction(r.Action, r.Status)
}

func (r *Report) source() domain.SuppressionSource {
	if r.Kind == reportARF {
		return domain.SourceARF
	}
	return domain.SourceDSN
}

// parseReport recognises multipart/report messages. Returns nil for
// ordinary mail.
func parseReport(msg *mail.Message) *Report {
	ct := strings.ToLower(msg.Header.Get("Content-Type"))
	var kind reportKind
	switch {
	case strings.Contains(ct, "report-type=delivery-status"):
		kind = reportDSN
	case strings.Contains(ct, "report-type=feedback-report"):
		kind = reportARF
	default:
		return nil
	}

	report := &Report{Kind: kind}
	// The machine-readable part is field: value lines; scanning the
	// whole body tolerates any multipart boundary layout.
	scanner := bufio.NewScanner(msg.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "action":
			report.Action = value
		case "status":
			report.Status = value
		case "feedback-type":
			report.Feedback = value
		case "diagnostic-code":
			report.Detail = value
		case "final-recipient", "original-recipient":
			// "rfc822; user@example.com"
			if _, addr, ok := strings.Cut(value, ";"); ok {
				value = strings.TrimSpace(addr)
			}
			if report.Recipient == "" {
				report.Recipient = value
			}
		}
	}
	return report
}

func readMessage(raw []byte) (*mail.Message, error) {
	return mail.ReadMessage(bytes.NewReader(raw))
}

func messageIDOf(msg *mail.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}
