package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps document bytes in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore connects to bucket using application default credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, NewConnectionError("gcs bucket must be provided", nil)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, NewConnectionError("failed to create Storage client", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

func (g *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	// Unconditional writes are not retried by default; an overwrite of the
	// same bytes is idempotent here.
	obj := g.bucket.Object(key).Retryer(storage.WithPolicy(storage.RetryAlways))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return NewQueryError(fmt.Sprintf("failed to write gs://%s/%s", g.name, key), err)
	}
	if err := w.Close(); err != nil {
		return NewQueryError(fmt.Sprintf("failed to finalize gs://%s/%s", g.name, key), err)
	}
	return nil
}

func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, NewNotFoundError("object", key)
		}
		return nil, NewQueryError(fmt.Sprintf("failed to open gs://%s/%s", g.name, key), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewQueryError(fmt.Sprintf("failed to read gs://%s/%s", g.name, key), err)
	}
	return data, nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
