package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"focusplay/internal/event"
	"focusplay/internal/storage"
)

type SQLiteJournal struct {
	db     *sql.DB
	dbPath string
}

var _ storage.Journal = (*SQLiteJournal)(nil)

func NewSQLiteJournal(dbPath string) *SQLiteJournal {
	return &SQLiteJournal{dbPath: dbPath}
}

const createJournalTableSQL = `
CREATE TABLE IF NOT EXISTS journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	session_id TEXT,
	app_id TEXT,
	state TEXT,
	title TEXT,
	message TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal (timestamp);
CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal (kind);
CREATE INDEX IF NOT EXISTS idx_journal_session ON journal (session_id);
`

func (s *SQLiteJournal) Init(ctx context.Context) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}

	slog.Info("opening journal", "path", s.dbPath)
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s.db = db

	// single writer
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(time.Minute * 5)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createJournalTableSQL); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) SaveEntry(ctx context.Context, e event.JournalEntry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	query := `INSERT INTO journal (timestamp, kind, session_id, app_id, state, title, message)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, e.Timestamp.UTC(), e.Kind, e.SessionID, e.AppID, e.State, e.Title, e.Message)
	if err != nil {
		return 0, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

const selectColumns = `SELECT id, timestamp, kind, session_id, app_id, state, title, message FROM journal`

func (s *SQLiteJournal) GetEntries(ctx context.Context, start, end time.Time, kinds ...event.EntryKind) ([]event.JournalEntry, error) {
	query := selectColumns + ` WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{start.UTC(), end.UTC()}

	if len(kinds) > 0 {
		placeholders := strings.Repeat("?,", len(kinds)-1) + "?"
		query += fmt.Sprintf(" AND kind IN (%s)", placeholders)
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += " ORDER BY timestamp ASC, id ASC"

	return s.query(ctx, query, args...)
}

func (s *SQLiteJournal) Recent(ctx context.Context, since time.Time, limit int) ([]event.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectColumns + ` WHERE timestamp >= ? ORDER BY timestamp DESC, id DESC LIMIT ?`
	entries, err := s.query(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *SQLiteJournal) query(ctx context.Context, query string, args ...interface{}) ([]event.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []event.JournalEntry
	for rows.Next() {
		var e event.JournalEntry
		var sessionID, appID, state, title, message sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &sessionID, &appID, &state, &title, &message); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.SessionID = sessionID.String
		e.AppID = appID.String
		e.State = state.String
		e.Title = title.String
		e.Message = message.String
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		slog.Debug("closing journal")
		return s.db.Close()
	}
	return nil
}
