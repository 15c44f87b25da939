// Package history persists successful transcripts in a local SQLite
// database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one transcript.
type Entry struct {
	ID        string
	Timestamp time.Time
	Text      string
	Duration  time.Duration // length of the recorded audio
	Model     string
	AudioPath string // empty unless the clip was saved
}

// NewEntry stamps a transcript with a fresh id and the current time.
func NewEntry(text string, duration time.Duration, model, audioPath string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Text:      text,
		Duration:  duration,
		Model:     model,
		AudioPath: audioPath,
	}
}

// Query selects a page of entries, newest first.
type Query struct {
	Limit  int
	Offset int
	Search string // case-insensitive substring of the text
	Model  string // exact model name
}

// Page is one page of a listing.
type Page struct {
	Entries []Entry
	Total   int
	HasMore bool
}

// Store wraps the SQLite history database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    text TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    model TEXT NOT NULL,
    audio_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores e.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var audio any
	if e.AudioPath != "" {
		audio = e.AudioPath
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(id, created_at, text, duration_ms, model, audio_path)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Text, e.Duration.Milliseconds(), e.Model, audio)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	s.log.Debug("history entry appended", "id", e.ID)
	return nil
}

// List returns the entries matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var where []string
	var args []any
	if q.Search != "" {
		where = append(where, "instr(lower(text), ?) > 0")
		args = append(args, strings.ToLower(q.Search))
	}
	if q.Model != "" {
		where = append(where, "model = ?")
		args = append(args, q.Model)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var page Page
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries"+clause, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("history: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, text, duration_ms, model, audio_path FROM entries`+clause+
			` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var created, durMS int64
		var audio sql.NullString
		if err := rows.Scan(&e.ID, &created, &e.Text, &durMS, &e.Model, &audio); err != nil {
			return Page{}, err
		}
		e.Timestamp = time.UnixMilli(created).UTC()
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.AudioPath = audio.String
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	page.HasMore = q.Offset+len(page.Entries) < page.Total
	return page, nil
}

// Delete removes one entry. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// EnforceMaxEntries keeps only the newest max entries. max <= 0 keeps all.
func (s *Store) EnforceMaxEntries(ctx context.Context, max int) error {
	if max <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id IN (
		SELECT id FROM entries ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
	)`, max)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("history pruned", "removed", n, "max_entries", max)
	}
	return nil
}

// Models lists the distinct model names in the history, sorted.
func (s *Store) Models(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT model FROM entries ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("history: models: %w", err)
	}
	defer rows.Close()
	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
