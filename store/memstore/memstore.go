// Package memstore is the in-memory store adapter: a per-collection
// document map plus a sorted (field value, id) index. It is the
// reference backend and the test double for the query engine.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/sllopis/geoquery/store"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	nextSubID   int
}

type collection struct {
	docs map[string]store.Document
	subs map[int]*subscription
}

// subscription owns a dedicated dispatcher goroutine so a subscriber
// always sees its initial snapshot first and diffs in write order.
// Batches queue in an unbounded slice: a slow consumer delays its own
// deliveries only, never a writer holding the store lock.
type subscription struct {
	field    string
	start    string
	end      string
	filters  []store.Filter
	onChange func([]store.Change)
	// ids currently inside the range, for kind classification
	inRange map[string]struct{}

	qmu     sync.Mutex
	pending [][]store.Change
	wake    chan struct{}
	done    chan struct{}
}

func New() *Store {
	return &Store{collections: map[string]*collection{}}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: map[string]store.Document{}, subs: map[int]*subscription{}}
		s.collections[name] = c
	}
	return c
}

func (s *Store) RangeRead(ctx context.Context, collection, field, start, end string, filters []store.Filter) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	var out []store.Document
	for _, doc := range c.docs {
		v, ok := indexValue(doc, field)
		if !ok || v < start || v > end {
			continue
		}
		if !store.MatchesFilters(doc, filters) {
			continue
		}
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		vi, _ := indexValue(out[i], field)
		vj, _ := indexValue(out[j], field)
		if vi != vj {
			return vi < vj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Read(ctx context.Context, collection string, filters []store.Filter, limit int) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	var out []store.Document
	for _, doc := range c.docs {
		if !store.MatchesFilters(doc, filters) {
			continue
		}
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RangeSubscribe(ctx context.Context, collection, field, start, end string, filters []store.Filter,
	onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, fmt.Errorf("memstore: onChange is required")
	}

	sub := &subscription{
		field:    field,
		start:    start,
		end:      end,
		filters:  filters,
		onChange: onChange,
		inRange:  map[string]struct{}{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	c := s.coll(collection)
	id := s.nextSubID
	s.nextSubID++

	var initial []store.Change
	for _, doc := range c.docs {
		if sub.matches(doc) {
			sub.inRange[doc.ID] = struct{}{}
			initial = append(initial, store.Change{Kind: store.Added, Doc: cloneDoc(doc)})
		}
	}
	sort.Slice(initial, func(i, j int) bool { return initial[i].Doc.ID < initial[j].Doc.ID })
	if initial == nil {
		initial = []store.Change{} // empty snapshot is still delivered
	}
	sub.enqueue(initial)

	c.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(c.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			sub.qmu.Lock()
			if len(sub.pending) == 0 {
				sub.qmu.Unlock()
				break
			}
			batch := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.qmu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.onChange(batch)
		}
	}
}

// enqueue is called with the store lock held, preserving write order.
// It never blocks: the batch lands on the pending queue and the
// dispatcher is nudged if idle.
func (sub *subscription) enqueue(batch []store.Change) {
	sub.qmu.Lock()
	sub.pending = append(sub.pending, batch)
	sub.qmu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (s *Store) Put(ctx context.Context, collection string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("memstore: empty document id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	prev, existed := c.docs[doc.ID]
	stored := cloneDoc(doc)
	c.docs[doc.ID] = stored

	for _, sub := range c.subs {
		_, was := sub.inRange[doc.ID]
		now := sub.matches(stored)

		var kind store.ChangeKind
		var payload store.Document
		switch {
		case now && !was:
			kind, payload = store.Added, stored
			sub.inRange[doc.ID] = struct{}{}
		case now && was:
			if existed && reflect.DeepEqual(prev.Fields, stored.Fields) {
				continue // no-op write
			}
			kind, payload = store.Modified, stored
		case !now && was:
			kind, payload = store.Removed, prev
			delete(sub.inRange, doc.ID)
		default:
			continue
		}
		sub.enqueue([]store.Change{{Kind: kind, Doc: cloneDoc(payload)}})
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil
	}
	prev, existed := c.docs[id]
	if !existed {
		return nil
	}
	delete(c.docs, id)

	for _, sub := range c.subs {
		if _, was := sub.inRange[id]; was {
			delete(sub.inRange, id)
			sub.enqueue([]store.Change{{Kind: store.Removed, Doc: cloneDoc(prev)}})
		}
	}
	return nil
}

func (sub *subscription) matches(doc store.Document) bool {
	v, ok := indexValue(doc, sub.field)
	if !ok || v < sub.start || v > sub.end {
		return false
	}
	return store.MatchesFilters(doc, sub.filters)
}

func indexValue(doc store.Document, field string) (string, bool) {
	v, ok := doc.Fields[field].(string)
	return v, ok
}

func cloneDoc(d store.Document) store.Document {
	return store.Document{ID: d.ID, Fields: cloneMap(d.Fields)}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			out[k] = cloneMap(child)
			continue
		}
		out[k] = v
	}
	return out
}
