// Package indexer keeps the metadata index in step with PDFs that land in the
// object store without going through the server, e.g. bulk imports to GCS.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Dancode-188/pdfsync/server/internal/security"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
)

// GCSEvent is the data of a google.cloud.storage.object.v1.finalized event.
type GCSEvent struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        string    `json:"size"`
	TimeCreated time.Time `json:"timeCreated"`
	Updated     time.Time `json:"updated"`
}

// Indexer upserts a metadata record for each finalized document object.
type Indexer struct {
	Metadata storage.MetadataStore
	Logger   *slog.Logger
}

// HandleEvent decodes a CloudEvent and indexes the object it names.
func (ix *Indexer) HandleEvent(ctx context.Context, e cloudevents.Event) error {
	var ev GCSEvent
	if err := json.Unmarshal(e.Data(), &ev); err != nil {
		ix.logger().Error("failed to unmarshal event data", "error", err, "eventId", e.ID())
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return ix.Process(ctx, ev)
}

// Process indexes ev. Objects that are not document PDFs are ignored.
func (ix *Indexer) Process(ctx context.Context, ev GCSEvent) error {
	logCtx := ix.logger().With("bucket", ev.Bucket, "object", ev.Name)

	id, ok := DocumentID(ev.Name)
	if !ok {
		logCtx.Debug("ignoring object that is not a document")
		return nil
	}

	var size int64
	if ev.Size != "" {
		n, err := strconv.ParseInt(ev.Size, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid object size %q: %w", ev.Size, err)
		}
		size = n
	}
	contentType := ev.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	created := ev.TimeCreated
	if created.IsZero() {
		created = time.Now().UTC()
	}

	rec := storage.Record{
		DocumentID: id,
		Name:       path.Base(ev.Name),
		Size:       size,
		MimeType:   contentType,
		CreatedAt:  created,
		UpdatedAt:  ev.Updated,
	}
	if err := ix.Metadata.Upsert(ctx, rec); err != nil {
		logCtx.Error("failed to index document", "documentId", id, "error", err)
		return err
	}
	logCtx.Info("document indexed", "documentId", id, "size", size)
	return nil
}

// DocumentID maps an object name written as storage.DocumentKey back to its
// document id.
func DocumentID(objectName string) (string, bool) {
	if strings.Contains(objectName, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(objectName, ".pdf")
	if !ok {
		return "", false
	}
	if valid, _ := security.ValidateDocumentID(id); !valid {
		return "", false
	}
	return id, true
}

func (ix *Indexer) logger() *slog.Logger {
	if ix.Logger != nil {
		return ix.Logger
	}
	return slog.Default()
}
