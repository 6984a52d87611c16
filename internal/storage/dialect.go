package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect returns the right SQL fragment per backend for the handful of
// constructs the two engines disagree on. Queries are authored once with
// $N placeholders and passed through Rebind.
type Dialect interface {
	Name() string

	// Rebind converts $N placeholders to the backend's native form.
	Rebind(query string) string

	// Now is the SQL expression for the current UTC timestamp.
	Now() string

	// AddSeconds returns an expression adding n seconds to expr.
	AddSeconds(expr string, n int) string

	// UpsertIgnore appends the clause that makes an INSERT a no-op on
	// conflict with the given columns.
	UpsertIgnore(conflictCols ...string) string

	// JSONExtract returns an expression extracting a top-level string
	// key from a JSON text column.
	JSONExtract(col, key string) string

	// SkipLocked reports whether FOR UPDATE SKIP LOCKED is available.
	// When false, claims fall back to compare-and-claim UPDATEs.
	SkipLocked() bool
}

// Postgres is the client-server backend dialect.
type Postgres struct{}

func (Postgres) Name() string          { return "postgres" }
func (Postgres) Rebind(q string) string { return q }
func (Postgres) Now() string           { return "NOW()" }

func (Postgres) AddSeconds(expr string, n int) string {
	return fmt.Sprintf("%s + (%d * INTERVAL '1 second')", expr, n)
}

func (Postgres) UpsertIgnore(conflictCols ...string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
}

func (Postgres) JSONExtract(col, key string) string {
	return fmt.Sprintf("%s::jsonb ->> '%s'", col, key)
}

func (Postgres) SkipLocked() bool { return true }

// SQLite is the embedded single-file backend dialect.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

// Rebind rewrites $1..$n to ?1..?n so repeated placeholders keep their
// argument position.
func (SQLite) Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] != '$' {
			b.WriteByte(q[i])
			continue
		}
		j := i + 1
		for j < len(q) && q[j] >= '0' && q[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		n, _ := strconv.Atoi(q[i+1 : j])
		b.WriteString("?")
		b.WriteString(strconv.Itoa(n))
		i = j - 1
	}
	return b.String()
}

func (SQLite) Now() string { return "CURRENT_TIMESTAMP" }

func (SQLite) AddSeconds(expr string, n int) string {
	return fmt.Sprintf("datetime(%s, '+%d seconds')", expr, n)
}

func (SQLite) UpsertIgnore(conflictCols ...string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
}

func (SQLite) JSONExtract(col, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
}

func (SQLite) SkipLocked() bool { return false }
