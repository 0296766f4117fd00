// Package blobstore persists submission payloads. It defines the Store
// interface, an S3-backed implementation used in production, and an in-memory
// implementation suitable for testing and local development.
package blobstore

import (
	"context"
	"errors"
	"sync"
)

var ErrBlobNotFound = errors.New("blob not found")

// Store writes payload blobs and returns a stable URI for each one.
type Store interface {
	// Put stores data under key and returns the URI the blob is
	// retrievable at. Writing the same key twice overwrites the blob.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)

	// Get retrieves a previously stored blob by key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = buf
	return "mem://" + key, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}
