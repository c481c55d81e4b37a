// Package store abstracts the minimum document-store capability the
// query engine needs: equality filters plus ordered string-range reads
// and range subscriptions on an indexed field. One adapter ships per
// concrete backing client; the engine depends only on this interface.
package store

import (
	"context"
	"errors"
	"reflect"
)

// ErrNotFound is returned by adapters when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored document: an identity plus the stored field map
// (the {g, l, d} shape produced by the document codec).
type Document struct {
	ID     string
	Fields map[string]any
}

// Filter is an equality predicate on a stored field, applied identically
// to every sub-range of a decomposed query. Field paths are dotted and
// resolved inside the payload ("d") subtree. Values are compared by deep
// equality, so decoded JSON maps and slices are legal filter values.
type Filter struct {
	Field string
	Value any
}

// ChangeKind classifies a live subscription diff entry.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one entry of a subscription update batch.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Unsubscribe releases a range subscription. Idempotent.
type Unsubscribe func()

// Store is the backing document-store capability.
//
// RangeSubscribe delivers the initial matching set as a batch of Added
// changes (possibly empty, but always delivered) before any incremental
// updates. Callbacks may fire on adapter-owned goroutines; the engine
// serializes them and gates emission on its own closed state.
type Store interface {
	// RangeRead returns every document whose indexed field value lies in
	// [start, end], ordered by that value, with filters applied.
	RangeRead(ctx context.Context, collection, field, start, end string, filters []Filter) ([]Document, error)

	// RangeSubscribe emits the initial snapshot and then a diff batch on
	// every change inside the range.
	RangeSubscribe(ctx context.Context, collection, field, start, end string, filters []Filter,
		onChange func([]Change), onError func(error)) (Unsubscribe, error)

	// Read executes a plain (non-geo) query with optional limit (0 = all).
	Read(ctx context.Context, collection string, filters []Filter, limit int) ([]Document, error)

	// Put writes a document. The indexed field and the raw location are
	// written together with the payload, never separately.
	Put(ctx context.Context, collection string, doc Document) error

	// Delete removes a document by identity.
	Delete(ctx context.Context, collection, id string) error
}

// MatchesFilters reports whether the document's payload satisfies every
// equality filter. Shared by adapters that filter client-side.
func MatchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchesFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchesFilter(doc Document, f Filter) bool {
	d, ok := doc.Fields["d"].(map[string]any)
	if !ok {
		return false
	}
	v, ok := lookupPath(d, f.Field)
	if !ok {
		return false
	}
	return reflect.DeepEqual(v, f.Value)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
