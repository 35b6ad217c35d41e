package store

import (
	"context"
	"sort"
	"sync"

	"intelvault/core"
)

// MemoryPersistence keeps records in process memory. It is the default backend
// and the one used by tests.
type MemoryPersistence struct {
	mu    sync.RWMutex
	seq   uint64
	kinds map[core.Kind]map[string]envelope
}

// NewMemoryPersistence creates an empty in-memory backend.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{kinds: make(map[core.Kind]map[string]envelope)}
}

func (m *MemoryPersistence) Name() string { return "memory" }

func (m *MemoryPersistence) Put(ctx context.Context, kind core.Kind, tenantID, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.kinds[kind]
	if !ok {
		records = make(map[string]envelope)
		m.kinds[kind] = records
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if existing, ok := records[id]; ok {
		existing.Data = buf
		records[id] = existing
		return nil
	}
	m.seq++
	records[id] = envelope{Seq: m.seq, TenantID: tenantID, Data: buf}
	return nil
}

func (m *MemoryPersistence) Get(ctx context.Context, kind core.Kind, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.kinds[kind][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := make([]byte, len(env.Data))
	copy(out, env.Data)
	return out, nil
}

func (m *MemoryPersistence) Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	type seqRow struct {
		seq uint64
		row Row
	}
	matched := make([]seqRow, 0, len(m.kinds[kind]))
	for id, env := range m.kinds[kind] {
		if tenantID != "" && env.TenantID != tenantID {
			continue
		}
		data := make([]byte, len(env.Data))
		copy(data, env.Data)
		matched = append(matched, seqRow{seq: env.Seq, row: Row{TenantID: env.TenantID, ID: id, Data: data}})
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	rows := make([]Row, len(matched))
	for i, r := range matched {
		rows[i] = r.row
	}
	return pageRows(rows, page), nil
}

func (m *MemoryPersistence) Delete(ctx context.Context, kind core.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kinds[kind], id)
	return nil
}

func (m *MemoryPersistence) Close() error { return nil }
