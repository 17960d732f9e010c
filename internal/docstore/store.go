// Package docstore abstracts the document database behind the social graph.
//
// A Store holds schemaless documents grouped in collections. Mutations are
// expressed as field-level operations (set, array union/remove, increment) so
// concurrent writers never overwrite each other's set membership. Backends that
// can run multi-document transactions also implement Transactor.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("docstore: document already exists")
	// ErrConflict is returned when an update precondition does not hold.
	ErrConflict = errors.New("docstore: precondition failed")
	// ErrTransient marks failures that are safe to retry (timeouts, network, unavailability).
	ErrTransient = errors.New("docstore: transient failure")
	// ErrInvalidQuery is returned for queries the backend refuses to run.
	ErrInvalidQuery = errors.New("docstore: invalid query")
	// ErrInvalidMutation is returned when a mutation does not fit the stored field type.
	ErrInvalidMutation = errors.New("docstore: invalid mutation")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docstore: store closed")
)

// DefaultMaxInFilter mirrors the in-set filter cap of hosted document databases.
const DefaultMaxInFilter = 10

// Document is a stored record. Version increases by one on every write.
type Document struct {
	ID      string
	Data    map[string]any
	Version int64
}

// Limits describes query engine constraints callers must plan around.
type Limits struct {
	MaxInFilter int
}

// Snapshot is one emission of a live query: the full current result set, or a
// terminal error after which the channel is closed.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Store is the document database collaborator.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Create(ctx context.Context, collection, id string, data map[string]any) error
	Put(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error)
	Limits() Limits
	Close(ctx context.Context) error
}

// Tx is the view of the store inside a transaction. Writes become visible to
// other callers only when the transaction function returns nil.
type Tx interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Create(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error
	Delete(ctx context.Context, collection, id string) error
}

// Transactor is implemented by stores that support multi-document transactions.
type Transactor interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AsTransactor returns the store's transaction support, if any.
func AsTransactor(s Store) (Transactor, bool) {
	t, ok := s.(Transactor)
	return t, ok
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
