package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreMetadata keeps one Firestore document per PDF, keyed by document id.
type FirestoreMetadata struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreMetadata creates a client for projectID.
func NewFirestoreMetadata(ctx context.Context, projectID, collection string) (*FirestoreMetadata, error) {
	if projectID == "" {
		return nil, NewConnectionError("projectID must be provided to create a firestore client", nil)
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, NewConnectionError("failed to create Firestore client", err)
	}
	return NewFirestoreMetadataFromClient(client, collection), nil
}

// NewFirestoreMetadataFromClient wraps an existing client.
func NewFirestoreMetadataFromClient(client *firestore.Client, collection string) *FirestoreMetadata {
	if collection == "" {
		collection = "documents"
	}
	return &FirestoreMetadata{client: client, collection: collection}
}

// Upsert merges the mutable fields and sets createdAt only on first write.
func (f *FirestoreMetadata) Upsert(ctx context.Context, rec Record) error {
	ref := f.client.Collection(f.collection).Doc(rec.DocumentID)
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			return tx.Update(ref, []firestore.Update{
				{Path: "name", Value: rec.Name},
				{Path: "size", Value: rec.Size},
				{Path: "mimeType", Value: rec.MimeType},
				{Path: "updatedAt", Value: firestore.ServerTimestamp},
			})
		}
		return tx.Set(ref, map[string]any{
			"documentId": rec.DocumentID,
			"name":       rec.Name,
			"size":       rec.Size,
			"mimeType":   rec.MimeType,
			"createdAt":  createdAt,
			"updatedAt":  firestore.ServerTimestamp,
		})
	})
	if err != nil {
		return NewQueryError(fmt.Sprintf("failed to upsert %s/%s", f.collection, rec.DocumentID), err)
	}
	return nil
}

func (f *FirestoreMetadata) Get(ctx context.Context, id string) (*Record, error) {
	snap, err := f.client.Collection(f.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, NewQueryError(fmt.Sprintf("failed to get %s/%s", f.collection, id), err)
	}
	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, NewQueryError("failed to decode document record", err)
	}
	return &rec, nil
}

func (f *FirestoreMetadata) Close() error {
	return f.client.Close()
}
