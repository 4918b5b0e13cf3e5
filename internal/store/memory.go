package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"calmirror/internal/fields"
)

// MemoryStore keeps records in process. Created records start unpublished
// so that callers exercise the Publisher path the same way the CMS backend
// requires.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]Record // kind -> id -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]Record)}
}

func (m *MemoryStore) List(_ context.Context, kind string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records[kind]))
	for _, r := range m.records[kind] {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, kind, handle string, fs []fields.Field) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records[kind] {
		if r.Handle == handle {
			return "", &DuplicateHandleError{Handle: handle, ExistingID: id}
		}
	}
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]Record)
	}
	id := uuid.NewString()
	m.records[kind][id] = Record{ID: id, Handle: handle, Fields: fields.Map(fs)}
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, kind, id string, fs []fields.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind][id]
	if !ok {
		return ErrNotFound
	}
	r.Fields = fields.Map(fs)
	r.Published = false
	m.records[kind][id] = r
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[kind][id]; !ok {
		return ErrNotFound
	}
	delete(m.records[kind], id)
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind][id]
	if !ok {
		return ErrNotFound
	}
	r.Published = true
	m.records[kind][id] = r
	return nil
}

// Put inserts a record verbatim, bypassing handle checks. Tests use it to
// seed pre-existing state, including duplicates.
func (m *MemoryStore) Put(kind string, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]Record)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.records[kind][r.ID] = cloneRecord(r)
}

func cloneRecord(r Record) Record {
	c := r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}
