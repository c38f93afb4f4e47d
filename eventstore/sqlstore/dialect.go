package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	// Name is the database/sql driver name.
	Name string

	seqColumn   string
	placeholder func(n int) string
}

var (
	// Postgres speaks to PostgreSQL through github.com/lib/pq.
	Postgres = Dialect{
		Name:        "postgres",
		seqColumn:   "seq BIGSERIAL PRIMARY KEY",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}

	// SQLite speaks to an embedded database through modernc.org/sqlite.
	SQLite = Dialect{
		Name:        "sqlite",
		seqColumn:   "seq INTEGER PRIMARY KEY AUTOINCREMENT",
		placeholder: func(int) string { return "?" },
	}
)

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case Postgres.Name, "pq":
		return Postgres, true
	case SQLite.Name, "sqlite3":
		return SQLite, true
	}
	return Dialect{}, false
}

// rebind rewrites the '?' placeholders of query into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d.placeholder == nil {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS aggregates (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			` + d.seqColumn + `,
			event_id TEXT NOT NULL UNIQUE,
			aggregate_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			version BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_id, version, seq)`,
	}
}
