package ports

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get for a key that does not exist.
var ErrNotFound = errors.New("walvault: object not found")

// ObjectStore is the durable object storage capability consumed by the
// uploader and the restore engine. Implementations must provide per-key
// strong consistency: a successful Put is immediately visible to subsequent
// Get and List calls.
type ObjectStore interface {
	// Put durably stores the contents of r under key, replacing any
	// existing object. Keys are idempotent: re-putting identical content
	// must never produce divergent stored bytes.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get returns a reader over the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all keys under the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
