package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"call-relay-service/internal/service/transcript"
)

// SQLiteSink archives transcripts in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (and migrates) the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			call_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			spoken_at TIMESTAMP NOT NULL,
			flushed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (call_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_flushed ON transcripts(flushed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes all entries of a call in one transaction.
func (s *SQLiteSink) Flush(ctx context.Context, callID string, entries []transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flushErr(callID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcripts(call_id, seq, role, text, spoken_at, flushed_at) VALUES(?,?,?,?,?,?)`,
			callID, e.Seq, string(e.Role), e.Text, e.At.UTC(), now); err != nil {
			return flushErr(callID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return flushErr(callID, err)
	}
	return nil
}

// Entries returns the stored transcript of a call in sequence order.
func (s *SQLiteSink) Entries(ctx context.Context, callID string) ([]transcript.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, text, spoken_at FROM transcripts WHERE call_id = ? ORDER BY seq`, callID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []transcript.Entry
	for rows.Next() {
		var e transcript.Entry
		var role string
		if err := rows.Scan(&e.Seq, &role, &e.Text, &e.At); err != nil {
			return nil, err
		}
		e.Role = transcript.Role(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteSink) Close() error { return s.db.Close() }
