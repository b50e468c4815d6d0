package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCapacity = 1000

// Memory is a bounded in-process cache. When full, the entry with the oldest
// write is evicted. Expired entries are removed lazily on read or by Sweep.
type Memory struct {
	capacity   int
	defaultTTL time.Duration
	clock      Clock

	mu      sync.Mutex
	entries map[string]*list.Element // values are *Entry
	order   *list.List               // front = oldest write
	stats   Stats
}

// NewMemory creates a Memory cache. capacity <= 0 selects 1000 entries and
// defaultTTL <= 0 selects DefaultTTL.
func NewMemory(capacity int, defaultTTL time.Duration) *Memory {
	return NewMemoryWithClock(capacity, defaultTTL, realClock{})
}

// NewMemoryWithClock creates a Memory cache with a custom clock (for testing).
func NewMemoryWithClock(capacity int, defaultTTL time.Duration, clock Clock) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Memory{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		clock:      clock,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	e := el.Value.(*Entry)
	if e.Expired(m.clock.Now()) {
		m.removeElement(el)
		m.stats.Misses++
		return nil, false
	}
	m.stats.Hits++
	return e.Value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*Entry)
		e.Value = value
		e.WrittenAt = now
		e.TTL = ttl
		m.order.MoveToBack(el)
		return
	}

	for m.order.Len() >= m.capacity {
		m.removeElement(m.order.Front())
		m.stats.Evictions++
	}

	m.entries[key] = m.order.PushBack(&Entry{Key: key, Value: value, WrittenAt: now, TTL: ttl})
}

func (m *Memory) Invalidate(_ context.Context, pattern string) int {
	match := matcher(pattern)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, el := range m.entries {
		if match(key) {
			m.removeElement(el)
			removed++
		}
	}
	return removed
}

func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.order.Init()
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).Expired(now) {
			m.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = m.order.Len()
	return s
}

// removeElement must be called with mu held.
func (m *Memory) removeElement(el *list.Element) {
	e := m.order.Remove(el).(*Entry)
	delete(m.entries, e.Key)
}
