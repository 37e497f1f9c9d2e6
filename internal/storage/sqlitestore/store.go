package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"connwatch/internal/models"
	"connwatch/internal/storage"
)

// SQLiteStore implements storage.Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface guard.
var _ storage.Store = (*SQLiteStore)(nil)

// New opens the database file and runs migrations.
func New(ctx context.Context, dataSourceName string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dataSourceName), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure data directory")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", dataSourceName))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open sqlite database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS transitions (
	id        TEXT PRIMARY KEY,
	connected INTEGER NOT NULL,
	at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions (at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append inserts one transition.
func (s *SQLiteStore) Append(ctx context.Context, t models.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, connected, at) VALUES (?, ?, ?)`,
		t.ID, t.Connected, formatTime(t.At))
	if err != nil {
		return errors.Wrap(err, "failed to insert transition")
	}
	return nil
}

// History returns transitions at or after since, oldest first.
func (s *SQLiteStore) History(ctx context.Context, since time.Time, limit int) ([]models.Transition, error) {
	query := `SELECT id, connected, at FROM transitions WHERE at >= ? ORDER BY at DESC, id DESC`
	args := []any{formatTime(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transitions")
	}
	defer rows.Close()

	out := make([]models.Transition, 0)
	for rows.Next() {
		var (
			t  models.Transition
			at string
		)
		if err := rows.Scan(&t.ID, &t.Connected, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan transition")
		}
		t.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, errors.Wrapf(err, "parse timestamp %q", at)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first so LIMIT keeps the most recent ones.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// formatTime uses a fixed-width layout so that text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
