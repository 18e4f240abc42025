package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dancode-188/pdfsync/server/internal/storage"
	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type         string          `json:"type"`
	Annotations  json.RawMessage `json:"annotations"`
	DeletedPages []int           `json:"deletedPages"`
	Status       string          `json:"status"`
	Text         string          `json:"text"`
}

type fakeClient struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func newFakeClient(id string) *fakeClient { return &fakeClient{id: id} }

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeClient) raw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeClient) received(t *testing.T) []frame {
	t.Helper()
	var out []frame
	for _, b := range f.raw() {
		var fr frame
		require.NoError(t, json.Unmarshal(b, &fr))
		out = append(out, fr)
	}
	return out
}

func (f *fakeClient) ofType(t *testing.T, typ string) []frame {
	t.Helper()
	var out []frame
	for _, fr := range f.received(t) {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

// gatedSummarizer blocks until release is closed or ctx ends.
type gatedSummarizer struct {
	started chan struct{}
	release chan struct{}
	text    string
	err     error
	once    sync.Once
}

func newGatedSummarizer() *gatedSummarizer {
	return &gatedSummarizer{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSummarizer) SummarizePDF(ctx context.Context, pdf []byte) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.text, g.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type funcSummarizer func(ctx context.Context, pdf []byte) (string, error)

func (f funcSummarizer) SummarizePDF(ctx context.Context, pdf []byte) (string, error) {
	return f(ctx, pdf)
}

type failingMetadata struct{ storage.MemoryMetadataStore }

func (*failingMetadata) Upsert(context.Context, storage.Record) error {
	return errors.New("index down")
}

type failingObjects struct{ storage.MemoryObjectStore }

func (*failingObjects) Put(context.Context, string, []byte, string) error {
	return storage.NewQueryError("bucket unavailable", nil)
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Objects == nil {
		cfg.Objects = storage.NewMemoryObjectStore()
	}
	if cfg.Metadata == nil {
		cfg.Metadata = storage.NewMemoryMetadataStore()
	}
	c := NewCoordinator("doc-1", cfg)
	t.Cleanup(c.Close)
	return c
}

// settle waits until every previously queued event has been handled.
func settle(t *testing.T, c *Coordinator) State {
	t.Helper()
	s, err := c.Snapshot()
	require.NoError(t, err)
	return s
}

func connect(t *testing.T, c *Coordinator, ids ...string) []*fakeClient {
	t.Helper()
	var out []*fakeClient
	for _, id := range ids {
		cl := newFakeClient(id)
		require.NoError(t, c.Connect(cl))
		out = append(out, cl)
	}
	settle(t, c)
	return out
}

func syncAnnotations(ids ...string) []byte {
	var parts []string
	for i, id := range ids {
		parts = append(parts, fmt.Sprintf(`{"id":%q,"type":"text","page":1,"x":%d,"y":10,"text":"t"}`, id, i))
	}
	list := "[" + joinComma(parts) + "]"
	return []byte(`{"type":"sync-annotations","annotations":` + list + `}`)
}

func joinComma(parts []string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p)
	}
	return b.String()
}

func TestConnect_SendsEmptyStateToFirstClient(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	a := connect(t, c, "a")[0]

	got := a.received(t)
	require.Len(t, got, 2)
	assert.Equal(t, "sync-annotations", got[0].Type)
	assert.JSONEq(t, `[]`, string(got[0].Annotations))
	assert.Equal(t, "sync-deleted-pages", got[1].Type)
	assert.NotNil(t, got[1].DeletedPages)
	assert.Empty(t, got[1].DeletedPages)
}

func TestConnect_LateJoinerSeesCurrentState(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	a := connect(t, c, "a")[0]

	c.Receive(a, syncAnnotations("n1", "n2"))
	c.Receive(a, []byte(`{"type":"sync-deleted-pages","deletedPages":[2,0]}`))
	late := connect(t, c, "late")[0]

	got := late.received(t)
	require.Len(t, got, 2)
	assert.Contains(t, string(got[0].Annotations), `"n2"`)
	assert.Equal(t, []int{2, 0}, got[1].DeletedPages)
}

func TestSync_LastWriterWins(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b", "c")
	a, b, other := clients[0], clients[1], clients[2]

	fromA := syncAnnotations("a1")
	fromB := syncAnnotations("b1", "b2")
	c.Receive(a, fromA)
	c.Receive(b, fromB)
	state := settle(t, c)

	require.Len(t, state.Annotations, 2)
	assert.Equal(t, "b1", state.Annotations[0].ID)
	assert.Equal(t, "b2", state.Annotations[1].ID)

	// the bystander sees both broadcasts verbatim, B's last
	raw := other.raw()
	require.Len(t, raw, 4)
	assert.Equal(t, fromA, raw[2])
	assert.Equal(t, fromB, raw[3])

	// senders never get their own message back
	assert.Equal(t, [][]byte{fromB}, a.raw()[2:])
	assert.Equal(t, [][]byte{fromA}, b.raw()[2:])
}

func TestSync_DeletedPagesReplaceIndependently(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], syncAnnotations("keep"))
	c.Receive(clients[0], []byte(`{"type":"sync-deleted-pages","deletedPages":[1]}`))
	c.Receive(clients[1], []byte(`{"type":"sync-deleted-pages","deletedPages":[3,4]}`))
	state := settle(t, c)

	assert.Equal(t, []int{3, 4}, state.DeletedPages)
	require.Len(t, state.Annotations, 1)
	assert.Equal(t, "keep", state.Annotations[0].ID)
}

func TestCursorMove_IsRelayedButNotStored(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], []byte(`{"type":"cursor-move","x":10,"y":20,"page":1,"clientId":"a"}`))
	state := settle(t, c)

	assert.Empty(t, state.Annotations)
	assert.Len(t, clients[0].raw(), 2)
	require.Len(t, clients[1].raw(), 3)
	assert.JSONEq(t, `{"type":"cursor-move","x":10,"y":20,"page":1,"clientId":"a"}`, string(clients[1].raw()[2]))
}

func TestCursorMove_CarriesSenderConnectionID(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b", "c")

	c.Receive(clients[0], []byte(`{"type":"cursor-move","x":1,"y":2,"page":1,"clientId":"b"}`))
	c.Receive(clients[0], []byte(`{"type":"cursor-move","x":3,"y":4,"page":2}`))
	settle(t, c)

	for _, peer := range clients[1:] {
		raw := peer.raw()
		require.Len(t, raw, 4)
		assert.JSONEq(t, `{"type":"cursor-move","x":1,"y":2,"page":1,"clientId":"a"}`, string(raw[2]))
		assert.JSONEq(t, `{"type":"cursor-move","x":3,"y":4,"page":2,"clientId":"a"}`, string(raw[3]))
	}
}

func TestSync_NullAnnotationListIsDiscarded(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], syncAnnotations("kept"))
	c.Receive(clients[0], []byte(`{"type":"sync-annotations","annotations":null}`))
	state := settle(t, c)

	require.Len(t, state.Annotations, 1)
	assert.Len(t, clients[1].raw(), 3)

	late := connect(t, c, "late")[0]
	got := late.received(t)
	require.Len(t, got, 2)
	assert.True(t, json.Valid(got[0].Annotations))
	assert.Equal(t, byte('['), got[0].Annotations[0])
	assert.Contains(t, string(got[0].Annotations), `"kept"`)
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b")
	c.Receive(clients[0], syncAnnotations("good"))

	for _, bad := range []string{
		`not json`,
		`{"type":"nope"}`,
		`{"type":"sync-annotations","annotations":[{"type":"text","page":1}]}`,
		`{"type":"sync-deleted-pages","deletedPages":"x"}`,
		`{"type":"cursor-move","x":"left"}`,
	} {
		c.Receive(clients[0], []byte(bad))
	}
	state := settle(t, c)

	require.Len(t, state.Annotations, 1)
	assert.Equal(t, "good", state.Annotations[0].ID)
	assert.Equal(t, 2, state.Clients)
	assert.Len(t, clients[1].raw(), 3)
	assert.False(t, clients[0].isClosed())
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	a := connect(t, c, "a")[0]

	c.Disconnect(a)
	c.Disconnect(a)
	c.Disconnect(newFakeClient("never-connected"))
	state := settle(t, c)
	assert.Equal(t, 0, state.Clients)

	// frames from a departed client are ignored
	c.Receive(a, syncAnnotations("ghost"))
	assert.Empty(t, settle(t, c).Annotations)
}

func TestBroadcast_DropsFailingClientAndContinues(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b", "c")
	clients[1].setFail(true)

	msg := syncAnnotations("x")
	c.Receive(clients[0], msg)
	state := settle(t, c)

	assert.Equal(t, 2, state.Clients)
	assert.True(t, clients[1].isClosed())
	assert.Equal(t, msg, clients[2].raw()[2])
	assert.Equal(t, 2, c.NumClients())
}

func TestSummary_DeliversResultToEveryone(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF-1.4"), "application/pdf"))

	var got []byte
	summarizer := funcSummarizer(func(_ context.Context, pdf []byte) (string, error) {
		got = pdf
		return "A short summary.", nil
	})
	c := newTestCoordinator(t, Config{Objects: objects, Summarizer: summarizer})
	clients := connect(t, c, "requester", "other")

	c.Receive(clients[0], []byte(`{"type":"ai-summarize"}`))

	for _, cl := range clients {
		require.Eventually(t, func() bool { return len(cl.ofType(t, "ai-result")) == 1 }, time.Second, 5*time.Millisecond)
		results := cl.ofType(t, "ai-result")
		assert.Equal(t, "A short summary.", results[0].Text)

		require.Eventually(t, func() bool { return len(cl.ofType(t, "ai-status")) == 2 }, time.Second, 5*time.Millisecond)
		statuses := cl.ofType(t, "ai-status")
		assert.Equal(t, "thinking", statuses[0].Status)
		assert.Equal(t, "ready", statuses[1].Status)
	}
	assert.Equal(t, []byte("%PDF-1.4"), got)
}

func TestSummary_FailureBecomesErrorResult(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF"), "application/pdf"))
	summarizer := funcSummarizer(func(context.Context, []byte) (string, error) {
		return "", errors.New("model quota exceeded")
	})
	c := newTestCoordinator(t, Config{Objects: objects, Summarizer: summarizer})
	a := connect(t, c, "a")[0]

	c.Receive(a, []byte(`{"type":"ai-summarize"}`))

	require.Eventually(t, func() bool { return len(a.ofType(t, "ai-result")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, a.ofType(t, "ai-result")[0].Text, "model quota exceeded")
	require.Eventually(t, func() bool { return len(a.ofType(t, "ai-status")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "error", a.ofType(t, "ai-status")[1].Status)
	assert.False(t, a.isClosed())
	assert.Equal(t, 1, settle(t, c).Clients)
}

func TestSummary_MissingDocumentIsReported(t *testing.T) {
	c := newTestCoordinator(t, Config{Summarizer: funcSummarizer(func(context.Context, []byte) (string, error) {
		t.Error("summarizer should not run without a document")
		return "", nil
	})})
	a := connect(t, c, "a")[0]

	c.Receive(a, []byte(`{"type":"ai-summarize"}`))
	require.Eventually(t, func() bool { return len(a.ofType(t, "ai-result")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, a.ofType(t, "ai-result")[0].Text, "no document")
}

func TestSummary_DoesNotBlockTheLoop(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF"), "application/pdf"))
	gate := newGatedSummarizer()
	gate.text = "done"
	c := newTestCoordinator(t, Config{Objects: objects, Summarizer: gate})
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], []byte(`{"type":"ai-summarize"}`))
	<-gate.started

	// the same client keeps editing while the job runs
	c.Receive(clients[0], syncAnnotations("during"))
	state := settle(t, c)
	require.Len(t, state.Annotations, 1)
	assert.Equal(t, "during", state.Annotations[0].ID)
	assert.Empty(t, clients[1].ofType(t, "ai-result"))

	close(gate.release)
	require.Eventually(t, func() bool { return len(clients[1].ofType(t, "ai-result")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSummary_ConcurrentRequestsRunIndependently(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF"), "application/pdf"))
	var mu sync.Mutex
	calls := 0
	c := newTestCoordinator(t, Config{Objects: objects, Summarizer: funcSummarizer(func(context.Context, []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "s", nil
	})})
	a := connect(t, c, "a")[0]

	c.Receive(a, []byte(`{"type":"ai-summarize"}`))
	c.Receive(a, []byte(`{"type":"ai-summarize"}`))

	require.Eventually(t, func() bool { return len(a.ofType(t, "ai-result")) == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestSummary_TimeoutIsReported(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF"), "application/pdf"))
	gate := newGatedSummarizer()
	c := newTestCoordinator(t, Config{Objects: objects, Summarizer: gate, SummaryTimeout: 20 * time.Millisecond})
	a := connect(t, c, "a")[0]

	c.Receive(a, []byte(`{"type":"ai-summarize"}`))
	require.Eventually(t, func() bool { return len(a.ofType(t, "ai-result")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, a.ofType(t, "ai-result")[0].Text, "too long")
}

func TestSummary_CompletionAfterCloseIsDropped(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	require.NoError(t, objects.Put(context.Background(), storage.DocumentKey("doc-1"), []byte("%PDF"), "application/pdf"))
	gate := newGatedSummarizer()
	c := NewCoordinator("doc-1", Config{Objects: objects, Summarizer: gate})
	a := newFakeClient("a")
	require.NoError(t, c.Connect(a))

	c.Receive(a, []byte(`{"type":"ai-summarize"}`))
	<-gate.started
	c.Close()

	assert.True(t, a.isClosed())
	assert.Empty(t, a.ofType(t, "ai-result"))
	assert.ErrorIs(t, c.Connect(newFakeClient("b")), ErrClosed)
	_, err := c.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)

	// calls after close are harmless
	c.Receive(a, syncAnnotations("x"))
	c.Disconnect(a)
	c.Close()
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryObjectStore()
	meta := storage.NewMemoryMetadataStore()
	c := newTestCoordinator(t, Config{Objects: objects, Metadata: meta})

	require.NoError(t, c.Upload(ctx, []byte("%PDF-1.7"), "report.pdf", ""))

	data, err := c.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)
	assert.Equal(t, "application/pdf", objects.ContentType("doc-1.pdf"))

	rec, err := meta.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", rec.Name)
	assert.Equal(t, int64(8), rec.Size)

	assert.ErrorIs(t, c.Upload(ctx, nil, "empty.pdf", ""), ErrInvalidInput)
}

func TestUpload_MetadataFailureIsSwallowed(t *testing.T) {
	c := newTestCoordinator(t, Config{Metadata: &failingMetadata{}})

	require.NoError(t, c.Upload(context.Background(), []byte("%PDF"), "a.pdf", "application/pdf"))
	_, err := c.Download(context.Background())
	assert.NoError(t, err)
}

func TestUpload_StorageFailureSurfaces(t *testing.T) {
	c := newTestCoordinator(t, Config{Objects: &failingObjects{}})

	err := c.Upload(context.Background(), []byte("%PDF"), "a.pdf", "")
	var qe *storage.QueryError
	assert.ErrorAs(t, err, &qe)
	assert.ErrorAs(t, c.SaveChanges(context.Background(), []byte("%PDF")), &qe)
}

func TestDownload_NotFound(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	_, err := c.Download(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveChanges_ReplacesBytes(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.Upload(ctx, []byte("%PDF original"), "a.pdf", ""))

	require.NoError(t, c.SaveChanges(ctx, []byte("%PDF edited")))
	data, err := c.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF edited"), data)

	assert.ErrorIs(t, c.SaveChanges(ctx, []byte{}), ErrInvalidInput)
}

func fixturePDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := gofpdf.New("P", "pt", "Letter", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.Text(72, 72, fmt.Sprintf("page %d", i+1))
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestExport_AppliesStateAndResetsOnSave(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.Upload(ctx, fixturePDF(t, 3), "three.pdf", ""))
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], syncAnnotations("n1"))
	c.Receive(clients[0], []byte(`{"type":"sync-deleted-pages","deletedPages":[2]}`))
	settle(t, c)

	out, res, err := c.Export(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
	assert.Len(t, settle(t, c).Annotations, 1)

	_, res, err = c.Export(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)

	state := settle(t, c)
	assert.Empty(t, state.Annotations)
	assert.Empty(t, state.DeletedPages)

	last := clients[1].received(t)
	require.GreaterOrEqual(t, len(last), 2)
	assert.JSONEq(t, `[]`, string(last[len(last)-2].Annotations))
	assert.Equal(t, "sync-deleted-pages", last[len(last)-1].Type)
}

func TestReset_KeepsListsChangedAfterSnapshot(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	clients := connect(t, c, "a", "b")

	c.Receive(clients[0], syncAnnotations("exported"))
	c.Receive(clients[0], []byte(`{"type":"sync-deleted-pages","deletedPages":[1]}`))
	exported := settle(t, c)

	// a newer annotation list lands while the export is running
	c.Receive(clients[0], syncAnnotations("newer"))
	settle(t, c)
	require.NoError(t, c.call(func() { c.reset(exported) }))

	state := settle(t, c)
	require.Len(t, state.Annotations, 1)
	assert.Equal(t, "newer", state.Annotations[0].ID)
	assert.Empty(t, state.DeletedPages)

	last := clients[1].received(t)
	require.GreaterOrEqual(t, len(last), 2)
	assert.Contains(t, string(last[len(last)-2].Annotations), `"newer"`)
	assert.Empty(t, last[len(last)-1].DeletedPages)
}

func TestExport_Errors(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{})

	_, _, err := c.Export(ctx, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.Upload(ctx, fixturePDF(t, 1), "one.pdf", ""))
	a := connect(t, c, "a")[0]
	c.Receive(a, []byte(`{"type":"sync-deleted-pages","deletedPages":[0]}`))
	settle(t, c)

	_, _, err = c.Export(ctx, true)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
