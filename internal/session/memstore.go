package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the in-memory backend.
const (
	defaultMemCapacity      = 1000
	defaultSweepInterval    = 1 * time.Minute
	defaultMemEntryMaxAge   = 1 * time.Hour
	memStoreShutdownTimeout = 5 * time.Second
)

// memEntry is one stored document plus its LRU bookkeeping.
type memEntry struct {
	id      string
	doc     []byte
	touched time.Time
}

// MemoryStore is the in-memory reference Store. Entries are evicted
// least-recently-used when capacity is reached, and a background sweep
// removes entries untouched for longer than the configured max age.
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently touched

	capacity      int
	sweepInterval time.Duration
	maxAge        time.Duration
	now           func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity sets the LRU eviction threshold. Default 1000.
func WithCapacity(n int) MemoryOption {
	return func(m *MemoryStore) { m.capacity = n }
}

// WithSweepInterval sets the background sweep period. Default 1m.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.sweepInterval = d }
}

// WithMaxAge sets the idle age beyond which the sweep removes an entry.
// Default 1h.
func WithMaxAge(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.maxAge = d }
}

// withClock overrides the wall clock. Test hook.
func withClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an in-memory Store with the given options.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries:       make(map[string]*list.Element),
		lru:           list.New(),
		capacity:      defaultMemCapacity,
		sweepInterval: defaultSweepInterval,
		maxAge:        defaultMemEntryMaxAge,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, id string, doc []byte) error {
	if id == "" {
		return ErrInvalidID
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[id]; ok {
		entry := el.Value.(*memEntry)
		entry.doc = cp
		entry.touched = m.now()
		m.lru.MoveToFront(el)
		return nil
	}

	if m.capacity > 0 && m.lru.Len() >= m.capacity {
		m.evictOldestLocked()
	}
	m.entries[id] = m.lru.PushFront(&memEntry{id: id, doc: cp, touched: m.now()})
	return nil
}

// Retrieve implements Store.
func (m *MemoryStore) Retrieve(_ context.Context, id string, touch bool) ([]byte, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	entry := el.Value.(*memEntry)
	if touch {
		entry.touched = m.now()
		m.lru.MoveToFront(el)
	}
	cp := make([]byte, len(entry.doc))
	copy(cp, entry.doc)
	return cp, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	m.lru.Remove(el)
	delete(m.entries, id)
	return true, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// CleanupExpired implements Store.
func (m *MemoryStore) CleanupExpired(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(maxAge), nil
}

func (m *MemoryStore) cleanupLocked(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	removed := 0
	// Walk from the back: least recently touched first.
	for el := m.lru.Back(); el != nil; {
		entry := el.Value.(*memEntry)
		if entry.touched.After(cutoff) {
			break
		}
		prev := el.Prev()
		m.lru.Remove(el)
		delete(m.entries, entry.id)
		removed++
		el = prev
	}
	return removed
}

func (m *MemoryStore) evictOldestLocked() {
	el := m.lru.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*memEntry)
	m.lru.Remove(el)
	delete(m.entries, entry.id)
	slog.Debug("session memstore: evicted least-recently-used entry", "conversation_id", entry.id)
}

// Start launches the background expiry sweep.
func (m *MemoryStore) Start(_ context.Context) error {
	m.wg.Add(1)
	go m.sweepLoop()
	return nil
}

// Stop halts the sweep. Safe to call more than once.
func (m *MemoryStore) Stop(_ context.Context) error {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *MemoryStore) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			removed := m.cleanupLocked(m.maxAge)
			m.mu.Unlock()
			if removed > 0 {
				slog.Debug("session memstore: sweep removed expired entries", "removed", removed)
			}
		}
	}
}
