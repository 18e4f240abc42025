package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	mime_type  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteMetadata keeps records in a local SQLite file.
type SQLiteMetadata struct {
	db   *sql.DB
	path string
}

// NewSQLiteMetadata opens (or creates) the database at path.
func NewSQLiteMetadata(path string) (*SQLiteMetadata, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, NewConnectionError("creating data directory", err)
		}
	}

	// WAL mode for concurrent readers
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, NewConnectionError("opening database", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, NewQueryError("creating documents table", err)
	}
	return &SQLiteMetadata{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteMetadata) Path() string {
	return s.path
}

func (s *SQLiteMetadata) Upsert(ctx context.Context, rec Record) error {
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, size, mime_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			mime_type = excluded.mime_type,
			updated_at = excluded.updated_at
	`, rec.DocumentID, rec.Name, rec.Size, rec.MimeType,
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return NewQueryError("failed to upsert document", err)
	}
	return nil
}

func (s *SQLiteMetadata) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, size, mime_type, created_at, updated_at FROM documents WHERE id = ?`, id)

	var (
		rec                  Record
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.DocumentID, &rec.Name, &rec.Size, &rec.MimeType, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, NewQueryError("failed to get document", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, NewQueryError(fmt.Sprintf("bad created_at for %s", id), err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, NewQueryError(fmt.Sprintf("bad updated_at for %s", id), err)
	}
	return &rec, nil
}

func (s *SQLiteMetadata) Close() error {
	return s.db.Close()
}
