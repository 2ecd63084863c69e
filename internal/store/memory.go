package store

import (
	"context"
	"sort"
	"sync"

	record "github.com/hanpama/normcache/internal/record"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share mutable state with it.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*record.Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*record.Record)}
}

func (m *Memory) Get(ctx context.Context, key string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[key].Clone(), nil
}

func (m *Memory) GetMany(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*record.Record, len(keys))
	for _, k := range keys {
		if r, ok := m.records[k]; ok {
			out[k] = r.Clone()
		}
	}
	return out, nil
}

func (m *Memory) Merge(ctx context.Context, records record.Set) (record.KeySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := make(record.KeySet)
	for _, key := range records.Keys() {
		merged, keys := mergeRecord(m.records[key], records[key])
		m.records[key] = merged
		changed.Add(keys...)
	}
	return changed, nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) (record.KeySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(record.KeySet)
	for _, k := range keys {
		if r, ok := m.records[k]; ok {
			removed.Union(record.DependentKeys(r))
			delete(m.records, k)
		}
	}
	return removed, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*record.Record)
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for k := range m.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
