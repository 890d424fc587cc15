package progress

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a status survives without updates, so a crashed
// worker cannot leave a target looking busy forever.
const DefaultTTL = 300 * time.Second

// Store is a last-writer-wins key/value store of Status by target id whose
// entries expire.
type Store interface {
	Put(ctx context.Context, status Status, ttl time.Duration) error
	// Get returns Idle when nothing (or only an expired entry) is stored.
	Get(ctx context.Context, targetID int64) (Status, error)
}

type memoryEntry struct {
	status  Status
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[int64]memoryEntry), now: now}
}

// Put stores status until ttl elapses.
func (s *MemoryStore) Put(_ context.Context, status Status, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[status.TargetID] = memoryEntry{status: status, expires: s.now().Add(ttl)}
	return nil
}

// Get returns the live status for targetID.
func (s *MemoryStore) Get(_ context.Context, targetID int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[targetID]
	if !ok {
		return Idle(targetID), nil
	}
	if !s.now().Before(entry.expires) {
		delete(s.entries, targetID)
		return Idle(targetID), nil
	}
	return entry.status, nil
}
