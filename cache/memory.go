package cache

import (
	"sort"
	"sync"
)

type memGeneration struct {
	seq     uint64
	entries map[string][]byte
}

// MemCache keeps all generations in process memory.
// It is lost on restart and mostly useful for tests.
type MemCache struct {
	mutex   *sync.RWMutex
	db      map[string]*memGeneration
	nextSeq uint64
	closed  bool
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]*memGeneration),
	}
}

// open must be called with the write lock held.
func (m *MemCache) open(name string) *memGeneration {
	gen, ok := m.db[name]
	if !ok {
		m.nextSeq++
		gen = &memGeneration{seq: m.nextSeq, entries: make(map[string][]byte)}
		m.db[name] = gen
	}
	return gen
}

func (m *MemCache) Open(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.open(name)
	return nil
}

// sorted must be called with a lock held.
func (m *MemCache) sorted() []string {
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.db[names[i]].seq < m.db[names[j]].seq
	})
	return names
}

func (m *MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.sorted(), nil
}

func (m *MemCache) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.db[name]
	return ok, nil
}

func (m *MemCache) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.db[name]
	delete(m.db, name)
	return ok, nil
}

func (m *MemCache) Put(name, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	m.open(name).entries[key] = stored
	return nil
}

func (m *MemCache) Get(name, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	gen, ok := m.db[name]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := gen.entries[key]
	return bytes, ok, nil
}

func (m *MemCache) Match(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	for _, name := range m.sorted() {
		if bytes, ok := m.db[name].entries[key]; ok {
			return bytes, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemCache) Keys(name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0)
	if gen, ok := m.db[name]; ok {
		for key := range gen.entries {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemCache) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}
