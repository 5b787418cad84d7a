package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps timestamp logs in process memory. It is meant for a
// single instance and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu       sync.Mutex
	scores   []int64 // ascending, unix ms
	expireAt time.Time
	dead     bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// lock returns the entry for key with its mutex held.
func (s *MemoryStore) lock(key string) *memoryEntry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			e = &memoryEntry{}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *MemoryStore) RecordAndCount(ctx context.Context, r Request) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	e := s.lock(r.Key)
	defer e.mu.Unlock()

	if !e.expireAt.IsZero() && !r.Now.Before(e.expireAt) {
		e.scores = e.scores[:0]
	}
	nowMs := r.Now.UnixMilli()
	e.purge(nowMs - r.Window.Milliseconds())

	u := Usage{Count: len(e.scores)}
	if u.Count+r.Cost <= r.Limit {
		for i := 0; i < r.Cost; i++ {
			e.insert(nowMs)
		}
		e.expireAt = r.Now.Add(r.TTL)
		u.Count += r.Cost
		u.Allowed = true
	} else if e.expireAt.IsZero() {
		e.expireAt = r.Now.Add(r.TTL)
	}
	if len(e.scores) > 0 {
		u.Oldest = fromMillis(e.scores[0])
	}
	return u, nil
}

func (s *MemoryStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return Usage{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || (!e.expireAt.IsZero() && !now.Before(e.expireAt)) {
		return Usage{}, nil
	}

	cutoff := now.UnixMilli() - window.Milliseconds()
	i := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] >= cutoff })
	u := Usage{Count: len(e.scores) - i}
	if u.Count > 0 {
		u.Oldest = fromMillis(e.scores[i])
	}
	return u, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
	return nil
}

// Sweep drops keys whose TTL has passed and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
			e.dead = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunJanitor sweeps expired keys every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

func (e *memoryEntry) purge(cutoff int64) {
	i := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] >= cutoff })
	if i > 0 {
		e.scores = append(e.scores[:0], e.scores[i:]...)
	}
}

func (e *memoryEntry) insert(ms int64) {
	i := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] > ms })
	e.scores = append(e.scores, 0)
	copy(e.scores[i+1:], e.scores[i:])
	e.scores[i] = ms
}
