// Package store abstracts session persistence. The coordinator only ever
// calls Get on cold start and Put from its debounced persist cycle, so the
// contract is a plain key/value surface keyed by session id.
package store

import (
	"context"
	"errors"
)

// ErrNotFound marks a session id with no persisted document.
var ErrNotFound = errors.New("store: session not found")

// Store persists encoded session documents.
type Store interface {
	// Get returns the persisted document for the session id.
	Get(ctx context.Context, sessionID string) ([]byte, error)
	// Put overwrites the persisted document for the session id.
	Put(ctx context.Context, sessionID string, doc []byte) error
}

// BlobStore is the external collaborator holding user recordings. The sync
// core only ever carries the opaque URLs it returns; it never inspects bytes.
// Implementations live outside this repository.
type BlobStore interface {
	// Upload stores content-addressed bytes with a TTL and returns their URL.
	Upload(ctx context.Context, data []byte) (url string, err error)
	// Fetch retrieves the bytes behind a previously issued URL.
	Fetch(ctx context.Context, url string) ([]byte, error)
}
