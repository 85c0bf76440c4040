package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/store"
)

// MemoryPath keeps the database in process memory, matching the ephemeral MatchStore contract.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id            TEXT PRIMARY KEY,
	initial_state TEXT NOT NULL,
	state         TEXT NOT NULL,
	metadata      TEXT NOT NULL,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS match_log (
	match_id TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	state_id INTEGER NOT NULL,
	entry    TEXT    NOT NULL,
	PRIMARY KEY (match_id, seq)
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = MemoryPath
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateMatch implements store.Store.
func (s *SQLiteStore) CreateMatch(ctx context.Context, matchID string, initial game.State, meta store.Metadata) error {
	stateJSON, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO matches (id, initial_state, state, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, matchID, string(stateJSON), string(stateJSON), string(metaJSON), time.Now().UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrMatchExists
		}
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

// SetState implements store.Store. State and log rows change in one transaction.
func (s *SQLiteStore) SetState(ctx context.Context, matchID string, state game.State, deltaLog []game.LogEntry) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE matches SET state = ?, updated_at = ? WHERE id = ?`,
		string(stateJSON), time.Now().UTC(), matchID)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrMatchNotFound
	}

	if len(deltaLog) > 0 {
		var seq int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM match_log WHERE match_id = ?`, matchID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("query log seq: %w", err)
		}
		for _, e := range deltaLog {
			entryJSON, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal log entry: %w", err)
			}
			seq++
			_, err = tx.ExecContext(ctx, `INSERT INTO match_log (match_id, seq, state_id, entry) VALUES (?, ?, ?, ?)`,
				matchID, seq, e.StateID, string(entryJSON))
			if err != nil {
				return fmt.Errorf("insert log entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetMetadata implements store.Store.
func (s *SQLiteStore) SetMetadata(ctx context.Context, matchID string, meta store.Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE matches SET metadata = ? WHERE id = ?`, string(metaJSON), matchID)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrMatchNotFound
	}
	return nil
}

// Fetch implements store.Store.
func (s *SQLiteStore) Fetch(ctx context.Context, matchID string) (*store.Match, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var initialJSON, stateJSON, metaJSON string
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT initial_state, state, metadata, updated_at
		FROM matches
		WHERE id = ?
	`, matchID).Scan(&initialJSON, &stateJSON, &metaJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMatchNotFound
		}
		return nil, fmt.Errorf("query match: %w", err)
	}

	m := &store.Match{ID: matchID, Log: []game.LogEntry{}}
	if err := json.Unmarshal([]byte(initialJSON), &m.InitialState); err != nil {
		return nil, fmt.Errorf("decode initial state: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &m.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if updatedAt.After(m.Metadata.UpdatedAt) {
		m.Metadata.UpdatedAt = updatedAt
	}

	rows, err := tx.QueryContext(ctx, `SELECT entry FROM match_log WHERE match_id = ? ORDER BY seq ASC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		var e game.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		m.Log = append(m.Log, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}

	return m, nil
}

// Wipe implements store.Store.
func (s *SQLiteStore) Wipe(ctx context.Context, matchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM match_log WHERE match_id = ?`, matchID); err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE id = ?`, matchID); err != nil {
		return fmt.Errorf("delete match: %w", err)
	}
	return tx.Commit()
}

// ListMatches implements store.Store.
func (s *SQLiteStore) ListMatches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM matches ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
