package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no document exists under the key.
var ErrNotFound = errors.New("store: document not found")

// Document is a raw store record: its key plus the field map as stored.
// Decoding into typed records happens at the model boundary, not here.
type Document struct {
	ID   string
	Data map[string]any
}

// Filter is an equality predicate on a single field.
type Filter struct {
	Field string
	Value any
}

// Order names a field to sort query results by.
type Order struct {
	Field string
	Desc  bool
}

// Snapshot carries the full current result set of a subscription. Every
// delivery replaces the previous one wholesale; there are no incremental
// patches. A stream failure is delivered as Err with Docs nil so the
// consumer can keep its last good state.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Op is one write inside an atomic batch.
type Op struct {
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
	Delete     bool
}

// Store is the remote document store boundary. Implementations: Firestore
// for production, Memory for tests and local development.
type Store interface {
	// Get returns a single document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set writes a document. With merge, fields absent from data are
	// preserved server-side; without, the document is replaced.
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Query returns documents matching every filter, optionally ordered and
	// limited.
	Query(ctx context.Context, collection string, filters []Filter, orderBy *Order, limit int) ([]Document, error)
	// Subscribe opens a standing subscription. The first snapshot arrives
	// immediately with the current contents; the channel closes when ctx is
	// cancelled. Deliveries may be coalesced: only the latest snapshot
	// matters.
	Subscribe(ctx context.Context, collection string, filters []Filter) (<-chan Snapshot, error)
	// BatchCommit applies all ops atomically. Callers are responsible for
	// chunking to the store's batch limit.
	BatchCommit(ctx context.Context, ops []Op) error
}
