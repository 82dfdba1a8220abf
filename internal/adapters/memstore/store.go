// Package memstore provides an in-memory ObjectStore used by tests and by
// offline inspection. It mimics the per-key strong consistency of a real
// object store.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/bft-labs/walvault/internal/ports"
)

// Store is an in-memory, thread-safe ObjectStore.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr, GetErr, ListErr and DeleteErr, when set, are returned by the
	// corresponding operation. Tests use them to simulate outages.
	PutErr, GetErr, ListErr, DeleteErr error

	// PutHook, when set, runs before each Put with the key. Returning an
	// error aborts the Put without storing anything, which lets tests
	// inject a crash between a data write and a manifest publish.
	PutHook func(key string) error

	puts int
}

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Put stores the contents of r under key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	hook, putErr := s.PutHook, s.PutErr
	s.mu.Unlock()

	if putErr != nil {
		return putErr
	}
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	s.puts++
	return nil
}

// Get returns the object at key or ports.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	b, ok := s.objects[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), b...))), nil
}

// List returns all keys under prefix in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object at key. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, key)
	return nil
}

// Bytes returns a copy of the object at key, or nil.
func (s *Store) Bytes(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

// Keys returns all stored keys in lexicographic order.
func (s *Store) Keys() []string {
	keys, _ := s.List(context.Background(), "")
	return keys
}

// Puts returns the number of successful Put calls.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// SetErrs atomically sets the operation errors.
func (s *Store) SetErrs(put, get, list, del error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutErr, s.GetErr, s.ListErr, s.DeleteErr = put, get, list, del
}
