// Package store defines the shared signaling store the call core negotiates
// through: a document key-value store with append-only sub-collections and
// change-feed subscriptions. Two implementations are provided — an in-process
// Memory store and a Remote store speaking a small JSON protocol over
// WebSocket to a Server.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Update when the target document does not exist.
// Get reports absence via its boolean instead; Delete of a missing document
// is a no-op.
var ErrNotFound = errors.New("store: document not found")

// ErrClosed is returned by operations on a store that has been shut down.
var ErrClosed = errors.New("store: closed")

// Record is one append-only entry of a sub-collection. Data holds the
// record payload exactly as it was appended. Records are never updated or
// deleted individually; the whole sub-collection disappears with its parent
// document.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Store is the document store consumed by the call core.
//
// Per-key guarantees the core relies on:
//   - Append preserves the order of records appended through one store
//     handle under the same prefix.
//   - SubscribeCollection first delivers a snapshot of existing records in
//     append order, then each later append, and only "add" events — records
//     are never mutated in place.
//   - SubscribeDocument delivers the current document state first (absent
//     documents included), then every Put/Update/Delete that follows.
//
// All mutating and reading operations honor ctx cancellation.
type Store interface {
	// Put creates or replaces the document at key with the JSON encoding of doc.
	Put(ctx context.Context, key string, doc any) error

	// Get reads the document at key into out. The boolean reports whether the
	// document exists; a missing document is not an error.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Update merges the given fields into an existing document.
	// Returns ErrNotFound if no document exists at key.
	Update(ctx context.Context, key string, fields map[string]any) error

	// Delete removes the document at key and every sub-collection under it.
	// Deleting a missing document succeeds.
	Delete(ctx context.Context, key string) error

	// Append adds a record to the sub-collection at prefix and returns the
	// assigned record ID.
	Append(ctx context.Context, prefix string, rec any) (string, error)

	// SubscribeCollection registers onAdd for records under prefix. The
	// returned cancel function stops delivery; it is safe to call twice.
	SubscribeCollection(prefix string, onAdd func(Record)) (cancel func(), err error)

	// SubscribeDocument registers onChange for the document at key. exists
	// is false when the document is absent (deleted or never written), in
	// which case doc is nil.
	SubscribeDocument(key string, onChange func(doc json.RawMessage, exists bool)) (cancel func(), err error)
}
