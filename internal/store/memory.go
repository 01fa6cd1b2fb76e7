package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"atelier-system/internal/domain"
)

// Memory is an in-process Store with a broadcast change feed. It backs the
// doctor --sample path and the package tests; semantics mirror the Postgres
// store closely enough that the pipeline cannot tell them apart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // collection -> id -> record
	subs    map[int]*memorySub
	nextSub int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]Record),
		subs:    make(map[int]*memorySub),
	}
}

func (m *Memory) collection(name string) map[string]Record {
	c, ok := m.records[name]
	if !ok {
		c = make(map[string]Record)
		m.records[name] = c
	}
	return c
}

func matches(rec Record, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Query returns clones of all records matching q.Filter.
func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientIOError{Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records[collection] {
		if matches(rec, q.Filter) {
			out = append(out, rec.Clone())
		}
	}
	if q.OrderBy != "" {
		key, desc := q.OrderBy, q.Desc
		sort.Slice(out, func(i, j int) bool {
			less := out[i].String(key) < out[j].String(key)
			if desc {
				return !less
			}
			return less
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert stores rec, minting an id when absent, and fans out an insert event.
func (m *Memory) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientIOError{Err: err}
	}
	m.mu.Lock()
	stored := rec.Clone()
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}
	m.collection(collection)[stored.ID()] = stored
	out := stored.Clone()
	m.mu.Unlock()

	m.broadcast(ChangeEvent{Kind: EventInsert, After: stored.Clone()})
	return out, nil
}

// Update applies patch to the record with the given id. A nil patch value
// clears the field.
func (m *Memory) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	return m.update(ctx, collection, id, nil, patch)
}

// UpdateIf applies patch only while every expect entry still matches.
// A failed expectation surfaces as NotFound, same as a vanished row.
func (m *Memory) UpdateIf(ctx context.Context, collection, id string, expect, patch Record) (Record, error) {
	return m.update(ctx, collection, id, expect, patch)
}

func (m *Memory) update(ctx context.Context, collection, id string, expect, patch Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientIOError{Err: err}
	}
	m.mu.Lock()
	cur, ok := m.collection(collection)[id]
	if !ok || (expect != nil && !matches(cur, expect)) {
		m.mu.Unlock()
		return nil, &domain.NotFoundError{ID: id}
	}
	before := cur.Clone()
	next := cur.Clone()
	for k, v := range patch {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	m.records[collection][id] = next
	out := next.Clone()
	m.mu.Unlock()

	m.broadcast(ChangeEvent{Kind: EventUpdate, Before: before, After: next.Clone()})
	return out, nil
}

// Delete removes a record and fans out a delete event. The pipeline never
// hard-deletes; this exists for tests exercising feed leave-notifications.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientIOError{Err: err}
	}
	m.mu.Lock()
	cur, ok := m.collection(collection)[id]
	if !ok {
		m.mu.Unlock()
		return &domain.NotFoundError{ID: id}
	}
	delete(m.records[collection], id)
	m.mu.Unlock()

	m.broadcast(ChangeEvent{Kind: EventDelete, Before: cur.Clone()})
	return nil
}

type memorySub struct {
	mu     sync.Mutex
	ch     chan ChangeEvent
	queue  []ChangeEvent
	wake   chan struct{}
	stop   chan struct{}
	closed bool
	parent *Memory
	id     int
	err    error
}

func (s *memorySub) Events() <-chan ChangeEvent { return s.ch }

func (s *memorySub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.parent.mu.Lock()
	delete(s.parent.subs, s.id)
	s.parent.mu.Unlock()
	close(s.stop)
}

// deliver queues ev for the subscriber. The queue is unbounded: a slow
// consumer may lag, but while the feed is live no event is dropped.
func (s *memorySub) deliver(ev ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the events channel and owns closing it.
func (s *memorySub) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var ev ChangeEvent
		have := len(s.queue) > 0
		if have {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
}

func (s *memorySub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// Subscribe opens a change feed. The feed closes when ctx is cancelled or
// Close is called.
func (m *Memory) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	m.mu.Lock()
	sub := &memorySub{
		ch:     make(chan ChangeEvent),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		parent: m,
		id:     m.nextSub,
	}
	m.subs[sub.id] = sub
	m.nextSub++
	m.mu.Unlock()

	go sub.pump()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// SubscriberCount reports how many feeds are open.
func (m *Memory) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// FailSubscribers closes every open feed with err, simulating a dropped
// store connection so adapter resubscription can be exercised.
func (m *Memory) FailSubscribers(err error) {
	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (m *Memory) broadcast(ev ChangeEvent) {
	m.mu.RLock()
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		s.deliver(ev)
	}
}
