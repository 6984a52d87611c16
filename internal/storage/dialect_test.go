package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLiteRebind(t *testing.T) {
	d := SQLite{}

	assert.Equal(t, "SELECT * FROM emails WHERE id = ?1", d.Rebind("SELECT * FROM emails WHERE id = $1"))
	assert.Equal(t,
		"UPDATE emails SET state = ?2, last_error = ?3 WHERE id = ?1",
		d.Rebind("UPDATE emails SET state = $2, last_error = $3 WHERE id = $1"))
	// Repeated placeholders keep their position
	assert.Equal(t, "SELECT ?1, ?1, ?2", d.Rebind("SELECT $1, $1, $2"))
	// Bare dollar signs pass through
	assert.Equal(t, "SELECT '$' FROM t", d.Rebind("SELECT '$' FROM t"))
}

func TestPostgresRebindIsIdentity(t *testing.T) {
	d := Postgres{}
	q := "SELECT * FROM emails WHERE tenant_id = $1 AND state = $2"
	assert.Equal(t, q, d.Rebind(q))
}

func TestDialectFragments(t *testing.T) {
	pg := Postgres{}
	lite := SQLite{}

	assert.Equal(t, "NOW()", pg.Now())
	assert.Equal(t, "CURRENT_TIMESTAMP", lite.Now())

	assert.Equal(t, "run_at + (60 * INTERVAL '1 second')", pg.AddSeconds("run_at", 60))
	assert.Equal(t, "datetime(run_at, '+60 seconds')", lite.AddSeconds("run_at", 60))

	assert.Equal(t, " ON CONFLICT (tenant_id, email) DO NOTHING", pg.UpsertIgnore("tenant_id", "email"))
	assert.Equal(t, " ON CONFLICT (tenant_id, email) DO NOTHING", lite.UpsertIgnore("tenant_id", "email"))

	assert.Equal(t, "metadata::jsonb ->> 'campaign'", pg.JSONExtract("metadata", "campaign"))
	assert.Equal(t, "json_extract(metadata, '$.campaign')", lite.JSONExtract("metadata", "campaign"))

	assert.True(t, pg.SkipLocked())
	assert.False(t, lite.SkipLocked())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- comment only

CREATE TABLE a (id TEXT);

CREATE INDEX idx_a ON a(id);
`)
	assert.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
