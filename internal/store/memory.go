package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs unit tests, the loopback demo, and
// the Server (which exposes one Memory instance over WebSocket).
//
// All change-feed callbacks are delivered by a single dispatcher goroutine in
// the order the mutations happened, so subscribers observe appends under one
// prefix in append order without holding the store lock during callbacks.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage
	colls    map[string][]Record
	docSubs  map[string]map[uint64]func(json.RawMessage, bool)
	collSubs map[string]map[uint64]func(Record)
	nextSub  uint64

	pending []func()
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store and starts its dispatcher goroutine.
// Call Close when done to stop the dispatcher.
func NewMemory() *Memory {
	m := &Memory{
		docs:     make(map[string]json.RawMessage),
		colls:    make(map[string][]Record),
		docSubs:  make(map[string]map[uint64]func(json.RawMessage, bool)),
		collSubs: make(map[string]map[uint64]func(Record)),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the dispatcher. Queued events that have not been delivered yet
// are dropped. Safe to call multiple times.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}

// run delivers queued callback invocations one at a time, preserving the
// order mutations were applied in.
func (m *Memory) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			queue := m.pending
			m.pending = nil
			m.mu.Unlock()

			for _, fn := range queue {
				select {
				case <-m.done:
					return
				default:
				}
				fn()
			}
		}
	}
}

// enqueue schedules fn on the dispatcher. Must be called with mu held.
func (m *Memory) enqueue(fn func()) {
	m.pending = append(m.pending, fn)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Put creates or replaces the document at key.
func (m *Memory) Put(ctx context.Context, key string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	m.docs[key] = data
	m.notifyDoc(key, data, true)
	return nil
}

// Get reads the document at key into out.
func (m *Memory) Get(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	data, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("store: decode document %s: %w", key, err)
	}
	return true, nil
}

// Update merges fields into the existing document at key.
func (m *Memory) Update(ctx context.Context, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	data, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("store: update %s: %w", key, ErrNotFound)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: decode document %s: %w", key, err)
	}
	for name, value := range fields {
		enc, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: encode field %s of %s: %w", name, key, err)
		}
		doc[name] = enc
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document %s: %w", key, err)
	}

	m.docs[key] = merged
	m.notifyDoc(key, merged, true)
	return nil
}

// Delete removes the document at key and all sub-collections under it.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	_, existed := m.docs[key]
	delete(m.docs, key)
	for prefix := range m.colls {
		if strings.HasPrefix(prefix, key+"/") {
			delete(m.colls, prefix)
		}
	}
	if existed {
		m.notifyDoc(key, nil, false)
	}
	return nil
}

// Append adds a record to the sub-collection at prefix.
func (m *Memory) Append(ctx context.Context, prefix string, rec any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: encode record for %s: %w", prefix, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return "", ErrClosed
	}
	record := Record{ID: uuid.NewString(), Data: data}
	m.colls[prefix] = append(m.colls[prefix], record)

	for _, fn := range m.collSubs[prefix] {
		fn := fn
		m.enqueue(func() { fn(record) })
	}
	return record.ID, nil
}

// SubscribeCollection delivers a snapshot of existing records in append
// order, then every later append under prefix.
func (m *Memory) SubscribeCollection(prefix string, onAdd func(Record)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return nil, ErrClosed
	}

	id := m.nextSub
	m.nextSub++
	if m.collSubs[prefix] == nil {
		m.collSubs[prefix] = make(map[uint64]func(Record))
	}

	// Snapshot is queued before the subscription is registered for live
	// events, so a concurrent Append is seen exactly once, after the snapshot.
	snapshot := make([]Record, len(m.colls[prefix]))
	copy(snapshot, m.colls[prefix])
	m.enqueue(func() {
		for _, rec := range snapshot {
			onAdd(rec)
		}
	})
	m.collSubs[prefix][id] = onAdd

	return m.cancelCollSub(prefix, id), nil
}

// SubscribeDocument delivers the current state of the document at key, then
// every later change.
func (m *Memory) SubscribeDocument(key string, onChange func(json.RawMessage, bool)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return nil, ErrClosed
	}

	id := m.nextSub
	m.nextSub++
	if m.docSubs[key] == nil {
		m.docSubs[key] = make(map[uint64]func(json.RawMessage, bool))
	}

	data, exists := m.docs[key]
	m.enqueue(func() { onChange(data, exists) })
	m.docSubs[key][id] = onChange

	return m.cancelDocSub(key, id), nil
}

// notifyDoc queues a document change for all subscribers. Must be called
// with mu held.
func (m *Memory) notifyDoc(key string, data json.RawMessage, exists bool) {
	for _, fn := range m.docSubs[key] {
		fn := fn
		m.enqueue(func() { fn(data, exists) })
	}
}

func (m *Memory) cancelCollSub(prefix string, id uint64) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.collSubs[prefix], id)
		if len(m.collSubs[prefix]) == 0 {
			delete(m.collSubs, prefix)
		}
	}
}

func (m *Memory) cancelDocSub(key string, id uint64) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.docSubs[key], id)
		if len(m.docSubs[key]) == 0 {
			delete(m.docSubs, key)
		}
	}
}
