// Package storage persists raw document bytes and per-document metadata.
//
// Bytes live in an ObjectStore keyed by DocumentKey. Metadata lives in a
// MetadataStore keyed by document id and is written with insert-or-update
// semantics.
package storage

import (
	"context"
	"fmt"
	"time"
)

// ObjectStore holds the raw bytes of each document.
type ObjectStore interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the object under key or an error matching ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Record is the metadata index entry of a document.
type Record struct {
	DocumentID string    `json:"documentId" firestore:"documentId"`
	Name       string    `json:"name" firestore:"name"`
	Size       int64     `json:"size" firestore:"size"`
	MimeType   string    `json:"mimeType" firestore:"mimeType"`
	CreatedAt  time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// MetadataStore indexes documents.
type MetadataStore interface {
	// Upsert inserts rec or updates name, size and type of an existing
	// record. CreatedAt of an existing record is kept.
	Upsert(ctx context.Context, rec Record) error
	// Get returns the record for id or an error matching ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	Close() error
}

// DocumentKey returns the object key holding a document's bytes.
func DocumentKey(documentID string) string {
	return documentID + ".pdf"
}

// Backend names
const (
	BackendMemory    = "memory"
	BackendGCS       = "gcs"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendSQLite    = "sqlite"
)

// StorageConfig holds configuration for storage backends
type StorageConfig struct {
	ObjectBackend   string
	MetadataBackend string

	// GCS
	Bucket string

	// Redis
	RedisURL    string
	RedisPrefix string
	MaxRetries  int

	// PostgreSQL
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration

	// Firestore
	ProjectID  string
	Collection string

	// SQLite
	SQLitePath string
}

// DefaultStorageConfig returns sensible defaults
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		ObjectBackend:     BackendMemory,
		MetadataBackend:   BackendMemory,
		RedisPrefix:       "pdfsync:",
		MaxRetries:        3,
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
		Collection:        "documents",
		SQLitePath:        "pdfsync.db",
	}
}

// OpenObjectStore connects the configured object store backend.
func OpenObjectStore(ctx context.Context, cfg *StorageConfig) (ObjectStore, error) {
	if cfg == nil {
		cfg = DefaultStorageConfig()
	}
	switch cfg.ObjectBackend {
	case "", BackendMemory:
		return NewMemoryObjectStore(), nil
	case BackendGCS:
		return NewGCSStore(ctx, cfg.Bucket)
	case BackendRedis:
		return NewRedisStore(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectBackend)
}

// OpenMetadataStore connects the configured metadata backend.
func OpenMetadataStore(ctx context.Context, cfg *StorageConfig) (MetadataStore, error) {
	if cfg == nil {
		cfg = DefaultStorageConfig()
	}
	switch cfg.MetadataBackend {
	case "", BackendMemory:
		return NewMemoryMetadataStore(), nil
	case BackendPostgres:
		p := NewPostgresMetadata(cfg)
		if err := p.Connect(ctx); err != nil {
			return nil, err
		}
		return p, nil
	case BackendFirestore:
		return NewFirestoreMetadata(ctx, cfg.ProjectID, cfg.Collection)
	case BackendSQLite:
		return NewSQLiteMetadata(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
}
