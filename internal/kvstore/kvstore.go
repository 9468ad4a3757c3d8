// Package kvstore declares the narrow KV store client contract the
// Advertiser (C6) and the range allocator publish through, and provides an
// in-memory reference implementation for tests and local operation. Per
// spec §6 the KV store client is an external collaborator outside this
// module's scope; this package only pins down the interface shape and a
// TTL-backed stand-in, grounded on the teacher's ttlcache.Cache usage in
// controlplane/telemetry/internal/data/internet/provider.go and cache.go.
package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store is the subset of KV store client behavior this module depends on:
// publish a value under a key, and read it back (used by the range
// allocator to probe for already-claimed node labels, spec §9).
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// TTLStore is a reference Store backed by jellydator/ttlcache, simulating a
// KV store whose entries expire if not refreshed — the "sticky" publish
// semantics the Advertiser relies on (each throttle fire re-publishes the
// full value, refreshing its TTL). It is suitable for local operation
// against a single daemon instance and for tests; a production deployment
// replaces it with a real distributed KV store client satisfying Store.
type TTLStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
	ttl   time.Duration
}

// NewTTLStore constructs a TTLStore whose entries expire after ttl unless
// refreshed by another Put.
func NewTTLStore(ttl time.Duration) *TTLStore {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](ttl),
	)
	go cache.Start()
	return &TTLStore{cache: cache, ttl: ttl}
}

// Put publishes value under key, refreshing its TTL.
func (s *TTLStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, value, s.ttl)
	return nil
}

// Get reads the value for key, reporting false if absent or expired.
func (s *TTLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

// Delete removes key, if present.
func (s *TTLStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
	return nil
}

// Close stops the background expiration goroutine.
func (s *TTLStore) Close() {
	s.cache.Stop()
}
