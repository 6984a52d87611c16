package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// ErrEmailNotFound is returned when an email does not exist for the
// tenant.
var ErrEmailNotFound = errors.New("pipeline: email not found")

// EmailStore persists emails and their delivery attempts.
type EmailStore struct {
	store *storage.Store
}

// NewEmailStore creates an email store.
func NewEmailStore(store *storage.Store) *EmailStore {
	return &EmailStore{store: store}
}

// Insert persists a new email.
func (es *EmailStore) Insert(ctx context.Context, e *domain.Email) error {
	toJSON, err := json.Marshal(e.EnvelopeTo)
	if err != nil {
		return fmt.Errorf("pipeline: encode recipients: %w", err)
	}
	headersJSON := "{}"
	if len(e.Headers) > 0 {
		b, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("pipeline: encode headers: %w", err)
		}
		headersJSON = string(b)
	}

	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	_, err = es.store.Exec(qctx, `
		INSERT INTO emails
			(id, tenant_id, message_id, direction, envelope_from, envelope_to, subject,
			 headers, body_html, body_text, template_id, state, attempts, last_error,
			 dkim_domain_used, fallback_used, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, e.ID, e.TenantID, e.MessageID, e.Direction, e.EnvelopeFrom, string(toJSON),
		e.Subject, headersJSON, e.BodyHTML, e.BodyText, e.TemplateID, e.State,
		e.Attempts, e.LastError, e.DKIMDomainUsed, e.FallbackUsed, e.SizeBytes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("pipeline: insert email: %w", err)
	}
	return nil
}

const emailColumns = `id, tenant_id, message_id, direction, envelope_from, envelope_to, subject,
	headers, body_html, body_text, template_id, state, attempts, last_error,
	dkim_domain_used, fallback_used, size_bytes, created_at, finalized_at`

// Get loads an email scoped to the tenant.
func (es *EmailStore) Get(ctx context.Context, tenantID, id string) (*domain.Email, error) {
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	row := es.store.QueryRow(qctx, `
		SELECT `+emailColumns+` FROM emails WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanEmailRow(row)
}

// GetAny loads an email by ID without tenant scoping. Worker-side only;
// API reads always go through Get.
func (es *EmailStore) GetAny(ctx context.Context, id string) (*domain.Email, error) {
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	row := es.store.QueryRow(qctx, `
		SELECT `+emailColumns+` FROM emails WHERE id = $1
	`, id)
	return scanEmailRow(row)
}

// ListFilter narrows List.
type ListFilter struct {
	State  domain.EmailState
	Limit  int
	Offset int
}

// List pages a tenant's emails, newest first.
func (es *EmailStore) List(ctx context.Context, tenantID string, f ListFilter) ([]*domain.Email, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := `SELECT ` + emailColumns + ` FROM emails WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.State != "" {
		q += ` AND state = $2`
		args = append(args, f.State)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)

	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	rows, err := es.store.Query(qctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list emails: %w", err)
	}
	defer rows.Close()

	var out []*domain.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetState transitions an email and stamps finalized_at on terminal
// states.
func (es *EmailStore) SetState(ctx context.Context, id string, state domain.EmailState, lastError string) error {
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()

	var finalizedAt *time.Time
	if state.Terminal() {
		now := time.Now().UTC()
		finalizedAt = &now
	}
	_, err := es.store.Exec(qctx, `
		UPDATE emails SET state = $1, last_error = $2, finalized_at = $3 WHERE id = $4
	`, state, lastError, finalizedAt, id)
	if err != nil {
		return fmt.Errorf("pipeline: set state: %w", err)
	}
	return nil
}

// MarkSigned records which domain signed the email and whether the
// fallback was used.
func (es *EmailStore) MarkSigned(ctx context.Context, id, dkimDomain string, fallback bool) error {
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	_, err := es.store.Exec(qctx, `
		UPDATE emails SET dkim_domain_used = $1, fallback_used = $2 WHERE id = $3
	`, dkimDomain, fallback, id)
	if err != nil {
		return fmt.Errorf("pipeline: mark signed: %w", err)
	}
	return nil
}

// RecordAttempt appends one delivery attempt and bumps the email's
// attempt counter.
func (es *EmailStore) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	err := es.store.Tx(qctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(qctx, es.store.Dialect.Rebind(`
			INSERT INTO delivery_attempts
				(id, email_id, tenant_id, attempt_number, mx_host, started_at, duration_ms,
				 smtp_code, smtp_text, classification, next_retry_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`), a.ID, a.EmailID, a.TenantID, a.AttemptNumber, a.MXHost, a.StartedAt,
			a.DurationMS, a.SMTPCode, a.SMTPText, a.Classification, a.NextRetryAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(qctx, es.store.Dialect.Rebind(`
			UPDATE emails SET attempts = $1 WHERE id = $2
		`), a.AttemptNumber, a.EmailID)
		return err
	})
	if err != nil {
		return fmt.Errorf("pipeline: record attempt: %w", err)
	}
	return nil
}

// Attempts returns an email's delivery attempts in order.
func (es *EmailStore) Attempts(ctx context.Context, tenantID, emailID string) ([]*domain.DeliveryAttempt, error) {
	qctx, cancel := es.store.Ctx(ctx)
	defer cancel()
	rows, err := es.store.Query(qctx, `
		SELECT id, email_id, tenant_id, attempt_number, mx_host, started_at, duration_ms,
		       smtp_code, smtp_text, classification, next_retry_at
		FROM delivery_attempts
		WHERE email_id = $1 AND tenant_id = $2
		ORDER BY attempt_number ASC
	`, emailID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.EmailID, &a.TenantID, &a.AttemptNumber, &a.MXHost,
			&a.StartedAt, &a.DurationMS, &a.SMTPCode, &a.SMTPText,
			&a.Classification, &a.NextRetryAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanEmail(rows *sql.Rows) (*domain.Email, error) {
	var (
		e                   domain.Email
		toJSON, headersJSON string
	)
	if err := rows.Scan(&e.ID, &e.TenantID, &e.MessageID, &e.Direction, &e.EnvelopeFrom,
		&toJSON, &e.Subject, &headersJSON, &e.BodyHTML, &e.BodyText, &e.TemplateID,
		&e.State, &e.Attempts, &e.LastError, &e.DKIMDomainUsed, &e.FallbackUsed,
		&e.SizeBytes, &e.CreatedAt, &e.FinalizedAt); err != nil {
		return nil, err
	}
	return decodeEmail(&e, toJSON, headersJSON)
}

func scanEmailRow(row *sql.Row) (*domain.Email, error) {
	var (
		e                   domain.Email
		toJSON, headersJSON string
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.MessageID, &e.Direction, &e.EnvelopeFrom,
		&toJSON, &e.Subject, &headersJSON, &e.BodyHTML, &e.BodyText, &e.TemplateID,
		&e.State, &e.Attempts, &e.LastError, &e.DKIMDomainUsed, &e.FallbackUsed,
		&e.SizeBytes, &e.CreatedAt, &e.FinalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: scan email: %w", err)
	}
	return decodeEmail(&e, toJSON, headersJSON)
}

func decodeEmail(e *domain.Email, toJSON, headersJSON string) (*domain.Email, error) {
	if err := json.Unmarshal([]byte(toJSON), &e.EnvelopeTo); err != nil {
		return nil, fmt.Errorf("pipeline: decode recipients: %w", err)
	}
	if headersJSON != "" && headersJSON != "{}" {
		if err := json.Unmarshal([]byte(headersJSON), &e.Headers); err != nil {
			return nil, fmt.Errorf("pipeline: decode headers: %w", err)
		}
	}
	return e, nil
}
