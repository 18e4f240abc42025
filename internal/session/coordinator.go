// Package session owns the live collaborative state of each document.
//
// A Coordinator is an actor: connects, disconnects, inbound messages and
// background completions are queued on a single inbox and applied one at a
// time by its own goroutine, so annotations, deleted pages and the client set
// are never touched concurrently. Slow work (summaries, storage, the mutation
// engine) runs outside the loop and re-enters it through the inbox.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
	"github.com/Dancode-188/pdfsync/server/internal/pdfedit"
	"github.com/Dancode-188/pdfsync/server/internal/protocol"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
)

var (
	// ErrInvalidInput is returned for a missing or empty payload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrClosed is returned once a coordinator or registry has shut down.
	ErrClosed = errors.New("session closed")
)

// DefaultSummaryTimeout bounds a summary job when Config leaves it unset.
const DefaultSummaryTimeout = 90 * time.Second

const (
	defaultInboxSize   = 256
	defaultContentType = "application/pdf"
)

// Client is one real-time connection attached to a document.
type Client interface {
	ID() string
	// Send queues data for delivery. An error means the client is gone.
	Send(data []byte) error
	Close()
}

// PDFSummarizer turns document bytes into summary text.
type PDFSummarizer interface {
	SummarizePDF(ctx context.Context, pdf []byte) (string, error)
}

// Config holds the collaborators shared by every coordinator.
type Config struct {
	Objects        storage.ObjectStore
	Metadata       storage.MetadataStore
	Summarizer     PDFSummarizer
	SummaryTimeout time.Duration
	InboxSize      int
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = DefaultSummaryTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// State is a copy of a coordinator's shared state.
type State struct {
	Annotations     []annotation.Annotation
	AnnotationsJSON json.RawMessage
	DeletedPages    []int
	Clients         int
}

// Coordinator is the single owner of one document's collaborative state.
type Coordinator struct {
	id  string
	cfg Config
	log *slog.Logger

	inbox   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup

	// docMu serializes writes of the document bytes, including engine runs
	// whose output replaces them.
	docMu sync.Mutex

	numClients atomic.Int64

	// owned by the run goroutine
	clients        map[string]Client
	annotations    []annotation.Annotation
	annotationsRaw json.RawMessage
	deletedPages   []int
}

// NewCoordinator starts the actor for documentID.
func NewCoordinator(documentID string, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:             documentID,
		cfg:            cfg,
		log:            cfg.Logger.With("documentId", documentID),
		inbox:          make(chan func(), cfg.InboxSize),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[string]Client),
		annotationsRaw: json.RawMessage("[]"),
		deletedPages:   []int{},
	}
	go c.run()
	return c
}

// DocumentID returns the document this coordinator serves.
func (c *Coordinator) DocumentID() string { return c.id }

// NumClients returns the number of connected clients.
func (c *Coordinator) NumClients() int { return int(c.numClients.Load()) }

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			for id, cl := range c.clients {
				delete(c.clients, id)
				cl.Close()
			}
			c.numClients.Store(0)
			return
		}
	}
}

// submit queues fn on the inbox. It reports false once the coordinator has
// been closed, in which case fn never runs.
func (c *Coordinator) submit(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Coordinator) call(fn func()) error {
	finished := make(chan struct{})
	if !c.submit(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// Close stops the loop, closes every client and waits for background jobs.
// Results of jobs still in flight are discarded.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	<-c.stopped
	c.tasks.Wait()
}

// Connect registers cl and sends it the current annotations and deleted pages.
func (c *Coordinator) Connect(cl Client) error {
	if !c.submit(func() { c.connect(cl) }) {
		return ErrClosed
	}
	return nil
}

// Disconnect removes cl. Removing an unknown client is a no-op.
func (c *Coordinator) Disconnect(cl Client) {
	c.submit(func() { c.remove(cl.ID()) })
}

// Receive queues a raw frame from cl. Frames from one client are handled in
// the order they are received.
func (c *Coordinator) Receive(cl Client, data []byte) {
	c.submit(func() { c.handle(cl, data) })
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() (State, error) {
	var s State
	err := c.call(func() {
		s = State{
			Annotations:     append([]annotation.Annotation(nil), c.annotations...),
			AnnotationsJSON: append(json.RawMessage(nil), c.annotationsRaw...),
			DeletedPages:    append([]int{}, c.deletedPages...),
			Clients:         len(c.clients),
		}
	})
	return s, err
}

func (c *Coordinator) connect(cl Client) {
	c.clients[cl.ID()] = cl
	c.numClients.Store(int64(len(c.clients)))
	c.log.Info("client connected", "clientId", cl.ID(), "clients", len(c.clients))

	for _, frame := range c.stateFrames() {
		if err := cl.Send(frame); err != nil {
			c.drop(cl.ID(), err)
			return
		}
	}
}

func (c *Coordinator) remove(id string) {
	if _, ok := c.clients[id]; !ok {
		return
	}
	delete(c.clients, id)
	c.numClients.Store(int64(len(c.clients)))
	c.log.Info("client disconnected", "clientId", id, "clients", len(c.clients))
}

// drop removes a client whose send failed and closes it.
func (c *Coordinator) drop(id string, err error) {
	cl, ok := c.clients[id]
	if !ok {
		return
	}
	c.log.Warn("dropping client after failed send", "clientId", id, "error", err)
	c.remove(id)
	cl.Close()
}

func (c *Coordinator) stateFrames() [][]byte {
	anns, err := protocol.EncodeSyncAnnotations(c.annotationsRaw)
	if err != nil {
		c.log.Error("failed to encode annotations", "error", err)
		return nil
	}
	pages, err := protocol.EncodeSyncDeletedPages(c.deletedPages)
	if err != nil {
		c.log.Error("failed to encode deleted pages", "error", err)
		return nil
	}
	return [][]byte{anns, pages}
}

// broadcast sends data to every client except exclude. A failed send drops
// that client and the rest still receive the frame.
func (c *Coordinator) broadcast(data []byte, exclude string) {
	for id, cl := range c.clients {
		if id == exclude {
			continue
		}
		if err := cl.Send(data); err != nil {
			c.drop(id, err)
		}
	}
}

func (c *Coordinator) handle(cl Client, data []byte) {
	sender := cl.ID()
	if _, ok := c.clients[sender]; !ok {
		c.log.Debug("ignoring message from unregistered client", "clientId", sender)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("discarding malformed message", "clientId", sender, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeSyncAnnotations:
		list, raw, err := msg.Annotations()
		if err != nil {
			c.log.Warn("discarding invalid annotations", "clientId", sender, "error", err)
			return
		}
		c.annotations, c.annotationsRaw = list, raw

	case protocol.TypeSyncDeletedPages:
		pages, err := msg.DeletedPages()
		if err != nil {
			c.log.Warn("discarding invalid deleted pages", "clientId", sender, "error", err)
			return
		}
		c.deletedPages = pages

	case protocol.TypeCursorMove:
		cur, err := msg.Cursor()
		if err != nil {
			c.log.Warn("discarding invalid cursor", "clientId", sender, "error", err)
			return
		}
		// peers only ever see the connection's own id
		cur.ClientID = sender
		frame, err := protocol.EncodeCursorMove(cur)
		if err != nil {
			c.log.Error("failed to encode cursor", "error", err)
			return
		}
		c.broadcast(frame, sender)
		return

	case protocol.TypeAISummarize:
		c.startSummary(sender)
		return
	}

	if protocol.ExcludesSender(msg.Type) {
		c.broadcast(msg.Raw, sender)
	} else {
		c.broadcast(msg.Raw, "")
	}
}

// startSummary announces the job and runs it off the loop. Requests are not
// coalesced; each one produces its own result.
func (c *Coordinator) startSummary(requester string) {
	c.log.Info("summary requested", "clientId", requester)
	if frame, err := protocol.EncodeAIStatus(protocol.StatusThinking); err == nil {
		c.broadcast(frame, "")
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SummaryTimeout)
		text, err := c.summarize(ctx)
		cancel()
		c.submit(func() { c.finishSummary(requester, text, err) })
	}()
}

func (c *Coordinator) summarize(ctx context.Context) (string, error) {
	if c.cfg.Summarizer == nil {
		return "", errors.New("summarization is not configured")
	}
	data, err := c.Download(ctx)
	if err != nil {
		return "", err
	}
	return c.cfg.Summarizer.SummarizePDF(ctx, data)
}

func (c *Coordinator) finishSummary(requester, text string, err error) {
	status := protocol.StatusReady
	if err != nil {
		c.log.Error("summary failed", "clientId", requester, "error", err)
		status = protocol.StatusError
		text = summaryErrorText(err)
	}

	result, encErr := protocol.EncodeAIResult(text)
	if encErr != nil {
		c.log.Error("failed to encode summary", "error", encErr)
		return
	}
	c.broadcast(result, "")
	if frame, err := protocol.EncodeAIStatus(status); err == nil {
		c.broadcast(frame, "")
	}
}

func summaryErrorText(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "Error: no document has been uploaded yet."
	case errors.Is(err, context.DeadlineExceeded):
		return "Error: the summary took too long. Please try again."
	}
	return "Error: could not summarize the document: " + err.Error()
}

// Upload stores data as the document's current bytes and indexes it.
// Indexing failures are logged and do not fail the upload.
func (c *Coordinator) Upload(ctx context.Context, data []byte, filename, contentType string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no file provided", ErrInvalidInput)
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	c.docMu.Lock()
	err := c.cfg.Objects.Put(ctx, storage.DocumentKey(c.id), data, contentType)
	c.docMu.Unlock()
	if err != nil {
		return fmt.Errorf("upload %s: %w", c.id, err)
	}

	if c.cfg.Metadata != nil {
		rec := storage.Record{
			DocumentID: c.id,
			Name:       filename,
			Size:       int64(len(data)),
			MimeType:   contentType,
			CreatedAt:  time.Now().UTC(),
		}
		if err := c.cfg.Metadata.Upsert(ctx, rec); err != nil {
			c.log.Error("failed to index document", "error", err)
		}
	}
	c.log.Info("document uploaded", "name", filename, "size", len(data))
	return nil
}

// Download returns the current bytes or an error matching
// storage.ErrNotFound.
func (c *Coordinator) Download(ctx context.Context) ([]byte, error) {
	data, err := c.cfg.Objects.Get(ctx, storage.DocumentKey(c.id))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", c.id, err)
	}
	return data, nil
}

// SaveChanges replaces the stored bytes with an edited document.
func (c *Coordinator) SaveChanges(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no document provided", ErrInvalidInput)
	}
	c.docMu.Lock()
	defer c.docMu.Unlock()
	if err := c.cfg.Objects.Put(ctx, storage.DocumentKey(c.id), data, defaultContentType); err != nil {
		return fmt.Errorf("save %s: %w", c.id, err)
	}
	c.log.Info("changes saved", "size", len(data))
	return nil
}

// Export runs the mutation engine over the stored bytes with the current
// annotations and deleted pages. With save set, the output becomes the new
// stored document and both lists are cleared for every client.
func (c *Coordinator) Export(ctx context.Context, save bool) ([]byte, pdfedit.Result, error) {
	state, err := c.Snapshot()
	if err != nil {
		return nil, pdfedit.Result{}, err
	}

	c.docMu.Lock()
	defer c.docMu.Unlock()

	src, err := c.cfg.Objects.Get(ctx, storage.DocumentKey(c.id))
	if err != nil {
		return nil, pdfedit.Result{}, fmt.Errorf("export %s: %w", c.id, err)
	}

	out, res, err := pdfedit.Mutate(src, state.Annotations, state.DeletedPages)
	if errors.Is(err, pdfedit.ErrNoPagesLeft) {
		return nil, res, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, res, fmt.Errorf("export %s: %w", c.id, err)
	}
	for _, s := range res.Skipped {
		c.log.Warn("annotation skipped", "annotationId", s.ID, "reason", s.Reason)
	}

	if save {
		if err := c.cfg.Objects.Put(ctx, storage.DocumentKey(c.id), out, defaultContentType); err != nil {
			return nil, res, fmt.Errorf("export %s: %w", c.id, err)
		}
		c.submit(func() { c.reset(state) })
	}
	c.log.Info("document exported", "pages", res.Pages, "skipped", len(res.Skipped), "dropped", res.Dropped, "saved", save)
	return out, res, nil
}

// reset clears what an export saved into the new baseline. A list replaced
// after the export's snapshot was not applied and is kept.
func (c *Coordinator) reset(exported State) {
	if bytes.Equal(c.annotationsRaw, exported.AnnotationsJSON) {
		c.annotations = nil
		c.annotationsRaw = json.RawMessage("[]")
	} else {
		c.log.Info("keeping annotations changed during export")
	}
	if slices.Equal(c.deletedPages, exported.DeletedPages) {
		c.deletedPages = []int{}
	} else {
		c.log.Info("keeping deleted pages changed during export")
	}
	for _, frame := range c.stateFrames() {
		c.broadcast(frame, "")
	}
}
