// Package templates stores tenant-owned liquid templates and renders
// them into message bodies at send time. Compiled templates are cached
// per (template, revision).
package templates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// ErrNotFound is returned when a template does not exist for the tenant.
var ErrNotFound = errors.New("templates: not found")

// Service owns template CRUD and rendering.
type Service struct {
	store  *storage.Store
	engine *liquid.Engine
	cache  sync.Map // cache key → *liquid.Template
}

// NewService creates a template service with the standard filter set.
func NewService(store *storage.Store) *Service {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	return &Service{store: store, engine: engine}
}

// Create stores a template. (tenant, name) is unique.
func (s *Service) Create(ctx context.Context, t *domain.Template) error {
	if err := s.Validate(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err := s.store.Exec(qctx, `
		INSERT INTO templates (id, tenant_id, name, subject, html, text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.TenantID, t.Name, t.Subject, t.HTML, t.Text, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("templates: create: %w", err)
	}
	return nil
}

// Update replaces a template's content and invalidates the render cache.
func (s *Service) Update(ctx context.Context, t *domain.Template) error {
	if err := s.Validate(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	res, err := s.store.Exec(qctx, `
		UPDATE templates SET name = $1, subject = $2, html = $3, text = $4, updated_at = $5
		WHERE id = $6 AND tenant_id = $7
	`, t.Name, t.Subject, t.HTML, t.Text, t.UpdatedAt, t.ID, t.TenantID)
	if err != nil {
		return fmt.Errorf("templates: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.cache.Range(func(k, _ any) bool {
		s.cache.Delete(k)
		return true
	})
	return nil
}

// Get loads a template scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, name, subject, html, text, created_at, updated_at
		FROM templates WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	var t domain.Template
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTML, &t.Text,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("templates: get: %w", err)
	}
	return &t, nil
}

// List returns a tenant's templates, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]*domain.Template, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, `
		SELECT id, tenant_id, name, subject, html, text, created_at, updated_at
		FROM templates WHERE tenant_id = $1 ORDER BY updated_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("templates: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTML, &t.Text,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Delete removes a template.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	res, err := s.store.Exec(qctx, `
		DELETE FROM templates WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("templates: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Validate parses every part of a template, surfacing syntax errors
// before the template is stored.
func (s *Service) Validate(t *domain.Template) error {
	if t.Name == "" {
		return domain.NewAPIError(domain.CodeMissingField, "template name is required")
	}
	for part, src := range map[string]string{"subject": t.Subject, "html": t.HTML, "text": t.Text} {
		if src == "" {
			continue
		}
		if _, err := s.engine.ParseString(src); err != nil {
			return domain.NewAPIError(domain.CodeInvalidPayload, "template syntax error").
				WithDetail("part", part).
				WithDetail("error", err.Error())
		}
	}
	return nil
}

// Rendered is the output of applying variables to a template.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render applies variables to every part of the template.
func (s *Service) Render(t *domain.Template, vars map[string]any) (*Rendered, error) {
	rev := t.UpdatedAt.UnixNano()
	subject, err := s.renderPart(fmt.Sprintf("%s:subject:%d", t.ID, rev), t.Subject, vars)
	if err != nil {
		return nil, err
	}
	html, err := s.renderPart(fmt.Sprintf("%s:html:%d", t.ID, rev), t.HTML, vars)
	if err != nil {
		return nil, err
	}
	text, err := s.renderPart(fmt.Sprintf("%s:text:%d", t.ID, rev), t.Text, vars)
	if err != nil {
		return nil, err
	}
	return &Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func (s *Service) renderPart(cacheKey, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	var tpl *liquid.Template
	if cached, ok := s.cache.Load(cacheKey); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := s.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("templates: parse: %w", err)
		}
		s.cache.Store(cacheKey, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("templates: render: %w", err)
	}
	return out, nil
}
