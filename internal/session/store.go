package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/outfleet/outline-control-plane/internal/model"
)

// TokenStore maps opaque session tokens to descriptors. The issuer owns all
// writes; expiry is enforced by the issuer on lookup, the store only holds
// state. Swap in an external cache for multi-instance deployments.
type TokenStore interface {
	Put(token string, descriptor model.SessionDescriptor)
	Get(token string) (model.SessionDescriptor, bool)
	Delete(token string)
}

// MemoryStore is the in-process TokenStore for single-instance deployments.
type MemoryStore struct {
	mu          sync.Mutex
	descriptors map[string]model.SessionDescriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{descriptors: make(map[string]model.SessionDescriptor)}
}

func (s *MemoryStore) Put(token string, descriptor model.SessionDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[token] = descriptor
}

func (s *MemoryStore) Get(token string) (model.SessionDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[token]
	return d, ok
}

func (s *MemoryStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.descriptors, token)
}

// Sweep periodically drops expired descriptors so abandoned tokens don't
// accumulate. Correctness doesn't depend on it; lookups already treat
// expired entries as absent.
func (s *MemoryStore) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepOnce(time.Now().UTC()); n > 0 {
				log.Printf("event=session_sweep removed=%d", n)
			}
		}
	}
}

func (s *MemoryStore) sweepOnce(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, d := range s.descriptors {
		if now.After(d.ExpiresAt) {
			delete(s.descriptors, token)
			removed++
		}
	}
	return removed
}
