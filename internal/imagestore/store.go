// Package imagestore keeps the most recently uploaded image of every session.
//
// Each session owns at most one image. Put replaces it wholesale and Get
// returns ErrNotFound until the session has uploaded something, so a mask
// request can never run against another session's picture.
package imagestore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for a session without an image.
var ErrNotFound = errors.New("no image uploaded")

// Store holds one image per session.
type Store interface {
	Put(ctx context.Context, sessionID string, img *Image) error
	Get(ctx context.Context, sessionID string) (*Image, error)
}

// MemoryStore keeps images in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[string]*Image
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[string]*Image)}
}

// Put replaces the session's image.
func (s *MemoryStore) Put(_ context.Context, sessionID string, img *Image) error {
	s.mu.Lock()
	s.images[sessionID] = img
	s.mu.Unlock()
	return nil
}

// Get returns the session's image or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Image, error) {
	s.mu.RLock()
	img, ok := s.images[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return img, nil
}
