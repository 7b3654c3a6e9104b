package store

import (
	"sync"
	"time"

	"github.com/loganszeto/linekv/internal/util"
)

type entry struct {
	v        []byte
	expireAt time.Time
}

type Options struct {
	Clock util.Clock
}

// MemTable is a single map guarded by one RWMutex. Reads share the lock;
// anything that mutates, including lazy removal of expired keys, takes it
// exclusively.
type MemTable struct {
	mu    sync.RWMutex
	m     map[string]entry
	clock util.Clock
}

func New(opts Options) *MemTable {
	clock := opts.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	return &MemTable{
		m:     make(map[string]entry),
		clock: clock,
	}
}

func (t *MemTable) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	ent, ok := t.m[key]
	if ok && !IsExpired(ent.expireAt, t.clock.Now()) {
		out := clone(ent.v)
		t.mu.RUnlock()
		return out, true
	}
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	// The entry looked expired. Decide again under the write lock: a writer
	// may have replaced it between the two critical sections.
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok = t.liveLocked(key, t.clock.Now())
	if !ok {
		return nil, false
	}
	return clone(ent.v), true
}

func (t *MemTable) Set(key string, value []byte, opts SetOptions) (bool, bool) {
	buf := clone(value)
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, live := t.liveLocked(key, t.clock.Now())
	switch opts.Mode {
	case SetIfAbsent:
		if live {
			return false, false
		}
	case SetIfPresent:
		if !live {
			return false, false
		}
	}

	ent := entry{v: buf}
	switch {
	case !opts.ExpireAt.IsZero():
		ent.expireAt = opts.ExpireAt
	case opts.KeepTTL && live:
		ent.expireAt = prev.expireAt
	}
	t.m[key] = ent
	return true, live
}

func (t *MemTable) Del(keys ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for _, k := range keys {
		if _, ok := t.liveLocked(k, now); ok {
			delete(t.m, k)
			n++
		}
	}
	return n
}

func (t *MemTable) Exists(keys ...string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	n := 0
	for _, k := range keys {
		if ent, ok := t.m[k]; ok && !IsExpired(ent.expireAt, now) {
			n++
		}
	}
	return n
}

func (t *MemTable) ExpireAt(key string, when time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.liveLocked(key, t.clock.Now())
	if !ok {
		return false
	}
	ent.expireAt = when
	t.m[key] = ent
	return true
}

// Persist clears the expiration of a live key. It returns false when the key
// is absent or already has no expiration.
func (t *MemTable) Persist(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.liveLocked(key, t.clock.Now())
	if !ok || ent.expireAt.IsZero() {
		return false
	}
	ent.expireAt = time.Time{}
	t.m[key] = ent
	return true
}

func (t *MemTable) TTLMs(key string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ent, ok := t.m[key]
	if !ok {
		return 0, false
	}
	if ent.expireAt.IsZero() {
		return -1, true
	}
	return remainingMs(ent.expireAt, t.clock.Now()), true
}

// Len counts stored entries, including expired ones not yet removed.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func (t *MemTable) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for k, ent := range t.m {
		if IsExpired(ent.expireAt, now) {
			delete(t.m, k)
			n++
		}
	}
	return n
}

// liveLocked returns the entry for key if it is live, removing it if it has
// expired. The caller must hold the write lock.
func (t *MemTable) liveLocked(key string, now time.Time) (entry, bool) {
	ent, ok := t.m[key]
	if !ok {
		return entry{}, false
	}
	if IsExpired(ent.expireAt, now) {
		delete(t.m, key)
		return entry{}, false
	}
	return ent, true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
