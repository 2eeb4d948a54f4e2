// Package storage persists proof image bytes behind one interface. The core
// only needs durable put/get by key; local disk serves development, S3 serves
// production.
package storage

import (
	"context"
	"io"
)

type BlobStore interface {
	// Put writes the full object under key, overwriting any previous bytes.
	// Overwrites are safe: the key is derived from the order id and the proof
	// row, not the blob, decides which upload won.
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
}

// ProofKey derives the storage locator for an order's proof image.
func ProofKey(orderID string) string {
	return "proofs/" + orderID
}
