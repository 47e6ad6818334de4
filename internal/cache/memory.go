package cache

import (
	"container/list"
	"sync"
	"time"
)

// memoryTier is a mutex-guarded LRU with a per-entry TTL measured from
// creation.
type memoryTier struct {
	mu       sync.Mutex
	ll       *list.List // front = most recently used
	items    map[string]*list.Element
	maxItems int
	ttl      time.Duration
	now      func() time.Time
}

func newMemoryTier(maxItems int, ttl time.Duration) *memoryTier {
	return &memoryTier{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		maxItems: maxItems,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *memoryTier) expired(e *Entry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.CreatedAt) > m.ttl
}

// get returns the value for key. expired is true when an entry existed but
// was past its TTL; it is removed before returning.
func (m *memoryTier) get(key string) (value []byte, ok, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, found := m.items[key]
	if !found {
		return nil, false, false
	}
	e := el.Value.(*Entry)
	now := m.now()
	if m.expired(e, now) {
		m.removeElement(el)
		return nil, false, true
	}

	m.ll.MoveToFront(el)
	next := *e
	next.AccessedAt = now
	next.AccessCount++
	el.Value = &next
	return next.Value, true, false
}

// put stores value under key, evicting least recently used entries while
// over capacity. It returns the number of evicted entries.
func (m *memoryTier) put(key string, value []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       int64(len(value)),
	}
	if el, found := m.items[key]; found {
		el.Value = e
		m.ll.MoveToFront(el)
		return 0
	}
	m.items[key] = m.ll.PushFront(e)

	evicted := 0
	for m.maxItems > 0 && m.ll.Len() > m.maxItems {
		m.removeElement(m.ll.Back())
		evicted++
	}
	return evicted
}

func (m *memoryTier) remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, found := m.items[key]
	if !found {
		return false
	}
	m.removeElement(el)
	return true
}

func (m *memoryTier) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.ll.Len()
	m.ll.Init()
	clear(m.items)
	return n
}

// reap drops every expired entry and returns how many were removed.
func (m *memoryTier) reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for el := m.ll.Back(); el != nil; {
		prev := el.Prev()
		if m.expired(el.Value.(*Entry), now) {
			m.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *memoryTier) bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for el := m.ll.Front(); el != nil; el = el.Next() {
		total += el.Value.(*Entry).Size
	}
	return total
}

// keys returns keys from most to least recently used.
func (m *memoryTier) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, m.ll.Len())
	for el := m.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).Key)
	}
	return out
}

// removeElement must be called with mu held.
func (m *memoryTier) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(*Entry).Key)
}
