package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/Dancode-188/pdfsync/server/internal/storage"
)

const registryShards = 16

// Registry hands out one Coordinator per document id. Coordinators are
// started by uploads and connections, never by reads of unknown ids, and live
// until the registry is closed.
type Registry struct {
	cfg    Config
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*Coordinator
	closed   bool
}

// NewRegistry creates an empty registry whose coordinators share cfg.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{cfg: cfg.withDefaults()}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Coordinator)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

// Get returns the coordinator for documentID, starting it if needed.
func (r *Registry) Get(documentID string) (*Coordinator, error) {
	s := r.shard(documentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.sessions[documentID]
	if !ok {
		c = NewCoordinator(documentID, r.cfg)
		s.sessions[documentID] = c
	}
	return c, nil
}

// Lookup returns the coordinator for documentID if one is running.
func (r *Registry) Lookup(documentID string) (*Coordinator, bool) {
	s := r.shard(documentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[documentID]
	return c, ok
}

// Open returns the running coordinator for documentID, starting one only when
// the document is already stored. Unknown ids fail with storage.ErrNotFound
// and leave nothing behind.
func (r *Registry) Open(ctx context.Context, documentID string) (*Coordinator, error) {
	if c, ok := r.Lookup(documentID); ok {
		return c, nil
	}
	if r.isClosed(documentID) {
		return nil, ErrClosed
	}
	if _, err := r.cfg.Objects.Get(ctx, storage.DocumentKey(documentID)); err != nil {
		return nil, fmt.Errorf("open %s: %w", documentID, err)
	}
	return r.Get(documentID)
}

// Download returns the stored bytes of documentID without starting a
// coordinator.
func (r *Registry) Download(ctx context.Context, documentID string) ([]byte, error) {
	if c, ok := r.Lookup(documentID); ok {
		return c.Download(ctx)
	}
	if r.isClosed(documentID) {
		return nil, ErrClosed
	}
	data, err := r.cfg.Objects.Get(ctx, storage.DocumentKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", documentID, err)
	}
	return data, nil
}

// SaveChanges replaces the stored bytes of documentID. A running coordinator
// serializes the write with its exports; otherwise the store is written
// directly.
func (r *Registry) SaveChanges(ctx context.Context, documentID string, data []byte) error {
	if c, ok := r.Lookup(documentID); ok {
		return c.SaveChanges(ctx, data)
	}
	if r.isClosed(documentID) {
		return ErrClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: no document provided", ErrInvalidInput)
	}
	if err := r.cfg.Objects.Put(ctx, storage.DocumentKey(documentID), data, defaultContentType); err != nil {
		return fmt.Errorf("save %s: %w", documentID, err)
	}
	r.cfg.Logger.Info("changes saved", "documentId", documentID, "size", len(data))
	return nil
}

func (r *Registry) isClosed(documentID string) bool {
	s := r.shard(documentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns the number of live documents and connected clients.
func (r *Registry) Stats() (documents, clients int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		documents += len(s.sessions)
		for _, c := range s.sessions {
			clients += c.NumClients()
		}
		s.mu.Unlock()
	}
	return documents, clients
}

// Close stops every coordinator. Later Get calls fail with ErrClosed.
func (r *Registry) Close() {
	var all []*Coordinator
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.closed = true
		for id, c := range s.sessions {
			all = append(all, c)
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
