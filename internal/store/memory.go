package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same push semantics as the remote
// store. Used by tests and by STORE_BACKEND=memory in development.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]map[string]any
	subs []*memSub

	// OnBatch, when set, runs before a batch is applied and can force the
	// commit to fail. Test seam for partial-failure scenarios.
	OnBatch func(ops []Op) error
}

type memSub struct {
	collection string
	filters    []Filter
	ch         chan Snapshot
	done       <-chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]map[string]any),
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.data[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: cloneMap(doc)}, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, collection, id string, data map[string]any, merge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(Op{Collection: collection, ID: id, Data: data, Merge: merge})
	m.notify(collection)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(Op{Collection: collection, ID: id, Delete: true})
	m.notify(collection)
	return nil
}

// Query implements Store.
func (m *Memory) Query(_ context.Context, collection string, filters []Filter, orderBy *Order, limit int) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collect(collection, filters)
	if orderBy != nil {
		sortDocs(docs, *orderBy)
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Subscribe implements Store. The subscription is released when ctx is
// cancelled.
func (m *Memory) Subscribe(ctx context.Context, collection string, filters []Filter) (<-chan Snapshot, error) {
	sub := &memSub{
		collection: collection,
		filters:    filters,
		ch:         make(chan Snapshot, 1),
		done:       ctx.Done(),
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	sub.push(Snapshot{Docs: m.collect(collection, filters)})
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// BatchCommit implements Store. All ops apply atomically; affected
// collections get a single notification each.
func (m *Memory) BatchCommit(_ context.Context, ops []Op) error {
	if m.OnBatch != nil {
		if err := m.OnBatch(ops); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := map[string]bool{}
	for _, op := range ops {
		m.apply(op)
		touched[op.Collection] = true
	}
	for col := range touched {
		m.notify(col)
	}
	return nil
}

// apply mutates state; caller holds mu.
func (m *Memory) apply(op Op) {
	col := m.data[op.Collection]
	if col == nil {
		col = make(map[string]map[string]any)
		m.data[op.Collection] = col
	}
	if op.Delete {
		delete(col, op.ID)
		return
	}
	if op.Merge {
		doc := col[op.ID]
		if doc == nil {
			doc = make(map[string]any)
			col[op.ID] = doc
		}
		for k, v := range op.Data {
			doc[k] = v
		}
		return
	}
	col[op.ID] = cloneMap(op.Data)
}

// collect snapshots the filtered collection; caller holds mu.
func (m *Memory) collect(collection string, filters []Filter) []Document {
	var docs []Document
	for id, data := range m.data[collection] {
		if !matches(data, filters) {
			continue
		}
		docs = append(docs, Document{ID: id, Data: cloneMap(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// notify pushes a fresh snapshot to every matching subscriber; caller holds mu.
func (m *Memory) notify(collection string) {
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case <-sub.done:
			continue
		default:
		}
		sub.push(Snapshot{Docs: m.collect(collection, sub.filters)})
	}
}

// push coalesces to the latest snapshot: a stale undelivered snapshot is
// dropped in favor of the new one.
func (s *memSub) push(snap Snapshot) {
	deliver(s.ch, snap)
}

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if data[f.Field] != f.Value {
			return false
		}
	}
	return true
}

func sortDocs(docs []Document, by Order) {
	less := func(i, j int) bool {
		return compareField(docs[i].Data[by.Field], docs[j].Data[by.Field]) < 0
	}
	if by.Desc {
		sort.SliceStable(docs, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(docs, less)
}

func compareField(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	}
	return 0
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
