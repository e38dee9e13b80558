// Package audit persists turn records to a local SQLite database.
// Records are written best-effort off the request path, so every write
// happens on its own short-lived context and failures never block a
// turn. Turn and result rows are keyed by turn ID and may arrive in
// either order.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rixdale/chainbridge"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed chainbridge.Recorder.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the audit database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[2:])
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// RecordTurn stores the request pair for one turn.
func (s *Store) RecordTurn(ctx context.Context, rec chainbridge.TurnRecord) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO turns (turn_id, conversation_id, client_request, backend_request)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (turn_id) DO NOTHING`,
		rec.TurnID, rec.ConversationID, rec.ClientRequest, rec.BackendRequest)
	if err != nil {
		return fmt.Errorf("recording turn %s: %w", rec.TurnID, err)
	}
	return nil
}

// RecordResult stores the outcome of one turn.
func (s *Store) RecordResult(ctx context.Context, rec chainbridge.ResultRecord) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO results (turn_id, response, tail_id, prompt_tokens, completion_tokens, total_tokens, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (turn_id) DO NOTHING`,
		rec.TurnID, rec.Response, rec.TailID,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
		rec.Duration.Milliseconds(), rec.ErrText)
	if err != nil {
		return fmt.Errorf("recording result %s: %w", rec.TurnID, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}
