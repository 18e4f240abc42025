// Command indexer is a Cloud Function that records PDFs written straight to
// the document bucket in the metadata index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Dancode-188/pdfsync/server/internal/indexer"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
)

var (
	ix      *indexer.Indexer
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IndexDocument", indexDocument)
}

func indexDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		projectID := os.Getenv("PROJECT_ID")
		if projectID == "" {
			initErr = fmt.Errorf("PROJECT_ID environment variable must be set")
			return
		}
		collection := os.Getenv("FIRESTORE_COLLECTION")
		if collection == "" {
			collection = storage.DefaultStorageConfig().Collection
		}
		meta, err := storage.NewFirestoreMetadata(context.Background(), projectID, collection)
		if err != nil {
			initErr = err
			return
		}
		ix = &indexer.Indexer{Metadata: meta, Logger: slog.Default()}
	})
	if initErr != nil {
		slog.Error("critical error during function initialization", "error", initErr)
		return initErr
	}
	return ix.HandleEvent(ctx, e)
}

// main runs the function locally; in Cloud Functions the framework calls the
// registered target directly.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := funcframework.Start(port); err != nil {
		slog.Error("funcframework.Start failed", "error", err)
		os.Exit(1)
	}
}
