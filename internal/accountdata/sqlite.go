package accountdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	appLog "icsreminder/internal/log"
)

// SQLite stores account data in a local database file. It backs the bot
// when room account data on the homeserver is not used.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("accountdata: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS account_data (
		room_id    TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (room_id, key)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migration: %w", err)
	}
	appLog.Debug("accountdata: sqlite schema ready")
	return nil
}

func (s *SQLite) Get(ctx context.Context, key, roomID string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM account_data WHERE room_id = ? AND key = ?`,
		roomID, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("accountdata: read %s in %s: %w", key, roomID, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("accountdata: decode %s in %s: %w", key, roomID, err)
	}
	return true, nil
}

func (s *SQLite) Set(ctx context.Context, key, roomID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("accountdata: encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account_data (room_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, roomID, key, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("accountdata: write %s in %s: %w", key, roomID, err)
	}
	return nil
}

// Rooms lists rooms that have at least one value.
func (s *SQLite) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_id FROM account_data ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
