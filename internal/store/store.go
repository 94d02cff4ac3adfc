// Package store implements the time-versioned persistence layer: dialect
// handling for SQLite and PostgreSQL, schema bootstrap and upgrades, the
// bitemporal writer fed by the collector dispatcher, and the read queries
// behind the HTTP API, including point-in-time reads over the _full views.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // pure-Go SQLite driver
)

// Infinity is the sentinel closing date of live rows. Timestamps are stored
// as fixed-width UTC text so that lexicographic order is chronological and
// the sentinel sorts after every real date.
const Infinity = "infinity"

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// DateError reports a past-date string that does not parse as a timestamp.
// The HTTP layer maps it to a 400.
type DateError struct {
	Value string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("store: %q is not a valid date", e.Value)
}

// pastLayouts are accepted for the past/{date} URL segment, most precise
// first.
var pastLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizePastDate parses a user-supplied date and renders it in the
// canonical stored form.
func NormalizePastDate(raw string) (string, error) {
	for _, layout := range pastLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return timestamp(t), nil
		}
	}
	return "", &DateError{Value: raw}
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to the dialect's positional form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ilike is the case-insensitive LIKE operator. SQLite LIKE is already
// case-insensitive for ASCII.
func (d dialect) ilike() string {
	if d == dialectPostgres {
		return "ILIKE"
	}
	return "LIKE"
}

// Config selects the database backend. Driver is "sqlite" or "postgres";
// DSN is a file path for SQLite and a libpq URL for PostgreSQL.
type Config struct {
	Driver string
	DSN    string
}

// Store is the handle shared by the writer and the readers.
type Store struct {
	db *sql.DB
	d  dialect
}

// Open connects to the configured database. SQLite runs single-writer with
// the usual pragmas; PostgreSQL goes through the pgx stdlib driver.
func Open(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", cfg.DSN, err)
		}
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: %s: %w", p, err)
			}
		}
		return &Store{db: db, d: dialectSQLite}, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return &Store{db: db, d: dialectPostgres}, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckConnectivity probes the base schema. A failure here is fatal at
// startup: the database is unreachable or was never bootstrapped.
func (s *Store) CheckConnectivity() error {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM loadbalancer LIMIT 1").Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: connectivity probe: %w", err)
	}
	return nil
}
