package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Dancode-188/pdfsync/server/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(Config{
		Objects:  storage.NewMemoryObjectStore(),
		Metadata: storage.NewMemoryMetadataStore(),
	})
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_GetReturnsSameCoordinator(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Get("doc-a")
	require.NoError(t, err)
	again, err := r.Get("doc-a")
	require.NoError(t, err)
	b, err := r.Get("doc-b")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Equal(t, "doc-a", a.DocumentID())

	found, ok := r.Lookup("doc-b")
	assert.True(t, ok)
	assert.Same(t, b, found)
	_, ok = r.Lookup("doc-missing")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	got := make([]*Coordinator, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Get(fmt.Sprintf("doc-%d", i%4))
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()

	for i := range got {
		assert.Same(t, got[i%4], got[i])
	}
	docs, _ := r.Stats()
	assert.Equal(t, 4, docs)
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Get("doc-a")
	require.NoError(t, err)
	b, err := r.Get("doc-b")
	require.NoError(t, err)

	connect(t, a, "1", "2")
	connect(t, b, "3")

	docs, clients := r.Stats()
	assert.Equal(t, 2, docs)
	assert.Equal(t, 3, clients)
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(Config{Objects: storage.NewMemoryObjectStore()})
	c, err := r.Get("doc-a")
	require.NoError(t, err)
	cl := connect(t, c, "1")[0]

	r.Close()

	assert.True(t, cl.isClosed())
	_, err = r.Get("doc-a")
	assert.ErrorIs(t, err, ErrClosed)
	docs, clients := r.Stats()
	assert.Zero(t, docs)
	assert.Zero(t, clients)

	r.Close()
}

func TestRegistry_UnknownDocumentsStartNoCoordinator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("nope-%d", i)
		_, err := r.Download(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = r.Open(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	docs, _ := r.Stats()
	assert.Equal(t, 0, docs)
}

func TestRegistry_SaveChangesWithoutCoordinator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.SaveChanges(ctx, "doc-s", nil), ErrInvalidInput)
	require.NoError(t, r.SaveChanges(ctx, "doc-s", []byte("%PDF saved")))
	docs, _ := r.Stats()
	assert.Equal(t, 0, docs)

	data, err := r.Download(ctx, "doc-s")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF saved"), data)

	c, err := r.Open(ctx, "doc-s")
	require.NoError(t, err)
	again, ok := r.Lookup("doc-s")
	require.True(t, ok)
	assert.Same(t, c, again)

	require.NoError(t, r.SaveChanges(ctx, "doc-s", []byte("%PDF via coordinator")))
	data, err = c.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF via coordinator"), data)
}

func TestRegistry_ClosedRejectsStorageOperations(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SaveChanges(ctx, "doc-c", []byte("%PDF")))
	r.Close()

	_, err := r.Open(ctx, "doc-c")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Download(ctx, "doc-c")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.SaveChanges(ctx, "doc-c", []byte("%PDF")), ErrClosed)
}
