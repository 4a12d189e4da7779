package cachestore

import (
	"context"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramStore is an LRU list of one store's entries.
type ramStore struct {
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMStore() *ramStore {
	return &ramStore{items: map[string]*ramItem{}}
}

// Memory keeps stores in process memory. With a positive maxBytes each store
// evicts its least recently used entries once it grows past the cap. Pinned
// stores never evict.
type Memory struct {
	maxBytes int64

	mu     sync.Mutex
	stores map[string]*ramStore
	pinned map[string]bool
}

// NewMemory creates an in-memory backend. maxBytes <= 0 disables the cap.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes, stores: map[string]*ramStore{}, pinned: map[string]bool{}}
}

func (m *Memory) CreateStore(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = newRAMStore()
	}
	return nil
}

func (m *Memory) HasStore(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *Memory) StoreNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stores))
	for name := range m.stores {
		out = append(out, name)
	}
	return out, nil
}

func (m *Memory) DropStore(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *Memory) Get(_ context.Context, store, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.stores[store]
	if !ok {
		return Entry{}, false, nil
	}
	it, ok := rs.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	rs.moveToFront(it)
	return it.ent.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, store, key string, ent Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxBytes > 0 && ent.size() > m.maxBytes {
		return ErrEntryTooLarge
	}
	rs := m.storeLocked(store)
	rs.set(key, ent)
	m.evictLocked(store, rs, map[string]Entry{key: ent})
	return nil
}

// PutBatch rejects a batch that cannot fit in one store as a whole, so its
// members never evict each other.
func (m *Memory) PutBatch(_ context.Context, store string, entries map[string]Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, ent := range entries {
		total += ent.size()
	}
	if m.maxBytes > 0 && total > m.maxBytes {
		return ErrEntryTooLarge
	}
	rs := m.storeLocked(store)
	for key, ent := range entries {
		rs.set(key, ent)
	}
	m.evictLocked(store, rs, entries)
	return nil
}

// Pin exempts store from eviction.
func (m *Memory) Pin(store string) {
	m.mu.Lock()
	m.pinned[store] = true
	m.mu.Unlock()
}

func (m *Memory) storeLocked(name string) *ramStore {
	rs, ok := m.stores[name]
	if !ok {
		rs = newRAMStore()
		m.stores[name] = rs
	}
	return rs
}

// evictLocked trims rs back under the cap, least recently used first,
// sparing the keys just written.
func (m *Memory) evictLocked(store string, rs *ramStore, written map[string]Entry) {
	if m.maxBytes <= 0 || m.pinned[store] {
		return
	}
	for it := rs.tail; it != nil && rs.total > m.maxBytes; {
		prev := it.prev
		if _, ok := written[it.key]; !ok {
			rs.evict(it)
		}
		it = prev
	}
}

func (m *Memory) Delete(_ context.Context, store, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.stores[store]
	if !ok {
		return nil
	}
	if it, ok := rs.items[key]; ok {
		rs.evict(it)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, store string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.stores[store]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(rs.items))
	for k := range rs.items {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (rs *ramStore) set(key string, ent Entry) {
	sz := ent.size()
	if it, ok := rs.items[key]; ok {
		rs.total += sz - it.size
		it.ent = ent
		it.size = sz
		rs.moveToFront(it)
		return
	}
	it := &ramItem{key: key, ent: ent, size: sz}
	rs.items[key] = it
	rs.addToFront(it)
	rs.total += sz
}

func (rs *ramStore) evict(it *ramItem) {
	rs.remove(it)
	delete(rs.items, it.key)
	rs.total -= it.size
}

func (rs *ramStore) addToFront(it *ramItem) {
	it.prev = nil
	it.next = rs.head
	if rs.head != nil {
		rs.head.prev = it
	}
	rs.head = it
	if rs.tail == nil {
		rs.tail = it
	}
}

func (rs *ramStore) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		rs.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		rs.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (rs *ramStore) moveToFront(it *ramItem) {
	if rs.head == it {
		return
	}
	rs.remove(it)
	rs.addToFront(it)
}
