package memory

import (
	"context"
	"sync"
)

// SeenSet is a process-local set of submitted URLs.
type SeenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewSeenSet returns an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{urls: make(map[string]struct{})}
}

// MarkSeen implements extract.SeenSet.
func (s *SeenSet) MarkSeen(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[url]; ok {
		return false, nil
	}
	s.urls[url] = struct{}{}
	return true, nil
}

// Forget implements extract.SeenSet.
func (s *SeenSet) Forget(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.urls, url)
	return nil
}
