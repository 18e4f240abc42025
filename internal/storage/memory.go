package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryObjectStore keeps objects in process memory.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryObjectStore creates an empty store
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: slices.Clone(data), contentType: contentType}
	return nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, NewNotFoundError("object", key)
	}
	return slices.Clone(obj.data), nil
}

// ContentType returns the stored content type of key.
func (m *MemoryObjectStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

func (m *MemoryObjectStore) Close() error { return nil }

// MemoryMetadataStore keeps records in process memory.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryMetadataStore creates an empty store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{records: make(map[string]Record)}
}

func (m *MemoryMetadataStore) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if old, ok := m.records[rec.DocumentID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.DocumentID] = rec
	return nil
}

func (m *MemoryMetadataStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, NewNotFoundError("document", id)
	}
	return &rec, nil
}

func (m *MemoryMetadataStore) Close() error { return nil }
