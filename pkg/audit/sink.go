package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// WriterSink writes one JSON object per line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

// ReadLines decodes entries written by a WriterSink.
func ReadLines(r io.Reader) ([]Entry, error) {
	dec := json.NewDecoder(r)
	var out []Entry
	for {
		var e Entry
		err := dec.Decode(&e)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("audit: entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
}

// Dialect selects placeholder syntax for SQLSink.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// SQLSink stores entries in an audit_entries table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens a database for the dialect's registered driver.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("audit: unknown dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLSink creates the table if needed.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLSink) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq BIGINT PRIMARY KEY,
		at BIGINT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		prev TEXT NOT NULL,
		hash TEXT NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// bind rewrites ? placeholders for Postgres.
func (s *SQLSink) bind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	query := s.bind(`INSERT INTO audit_entries (seq, at, kind, subject, code, payload, prev, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, int64(e.Seq), e.At, e.Kind, e.Subject, e.Code, string(e.Payload), e.Prev, e.Hash)
	if err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", e.Seq, err)
	}
	return nil
}

// Load returns every stored entry ordered by sequence.
func (s *SQLSink) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, at, kind, subject, code, payload, prev, hash FROM audit_entries ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &e.At, &e.Kind, &e.Subject, &e.Code, &payload, &e.Prev, &e.Hash); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
