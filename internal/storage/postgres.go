package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	size       BIGINT NOT NULL,
	mime_type  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresMetadata implements MetadataStore for PostgreSQL
type PostgresMetadata struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresMetadata creates a new PostgreSQL metadata store
func NewPostgresMetadata(config *StorageConfig) *PostgresMetadata {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresMetadata{
		config: config,
	}
}

// Connect establishes connection to PostgreSQL and creates the table
func (p *PostgresMetadata) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return NewQueryError("failed to create documents table", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Close closes the connection pool
func (p *PostgresMetadata) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresMetadata) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresMetadata) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// Upsert creates or updates a document record
func (p *PostgresMetadata) Upsert(ctx context.Context, rec Record) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO documents (id, name, size, mime_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			size = EXCLUDED.size,
			mime_type = EXCLUDED.mime_type,
			updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, rec.DocumentID, rec.Name, rec.Size, rec.MimeType, createdAt); err != nil {
		return NewQueryError("failed to upsert document", err)
	}
	return nil
}

// Get retrieves a document record by ID
func (p *PostgresMetadata) Get(ctx context.Context, id string) (*Record, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT id, name, size, mime_type, created_at, updated_at FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)

	var rec Record
	err := row.Scan(&rec.DocumentID, &rec.Name, &rec.Size, &rec.MimeType, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewNotFoundError("document", id)
		}
		return nil, NewQueryError("failed to get document", err)
	}
	return &rec, nil
}
