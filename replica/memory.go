package replica

import (
	"context"
	"sort"
	"sync"
)

type memBackend struct {
	mu      sync.Mutex
	records map[string]Record
	seq     int64
	meta    map[string][]byte
}

// NewMemStore returns a Store held entirely in memory.
func NewMemStore() Store {
	return newCore(&memBackend{
		records: make(map[string]Record),
		meta:    make(map[string][]byte),
	})
}

func (m *memBackend) find(key lookup) (Record, bool) {
	if key.localID != "" {
		r, ok := m.records[key.localID]
		return r, ok
	}
	for _, r := range m.records {
		if r.EntityType == key.entityType && r.ServerID == key.serverID {
			return r, true
		}
	}
	return Record{}, false
}

func (m *memBackend) mutate(_ context.Context, key lookup, fn mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur *Record
	if r, ok := m.find(key); ok {
		c := r.clone()
		cur = &c
	}

	next, remove, err := fn(cur)
	if err != nil {
		return err
	}

	switch {
	case remove && cur != nil:
		delete(m.records, cur.LocalID)
	case next != nil:
		rec := next.clone()
		if cur == nil {
			m.seq++
			rec.Seq = m.seq
		} else {
			rec.Seq = cur.Seq
		}
		m.records[rec.LocalID] = rec
	}
	return nil
}

func (m *memBackend) get(_ context.Context, key lookup) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.find(key)
	if !ok {
		return nil, nil
	}
	c := r.clone()
	return &c, nil
}

func (m *memBackend) list(_ context.Context, q listQuery) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if q.entityType != "" && r.EntityType != q.entityType {
			continue
		}
		if q.status != "" && r.SyncStatus != q.status {
			continue
		}
		if !q.includeDeleted && r.DeletedAt != nil {
			continue
		}
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memBackend) getMeta(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.meta[key]...), nil
}

func (m *memBackend) setMeta(_ context.Context, key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = append([]byte(nil), val...)
	return nil
}

func (m *memBackend) close() error { return nil }
