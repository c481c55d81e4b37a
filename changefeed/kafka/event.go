// Package kafka consumes document change events from a Kafka topic and
// applies them to a Store, so live subscriptions can be driven by an
// external write pipeline instead of direct Put/Delete calls.
package kafka

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Event is the wire form of one document change.
type Event struct {
	Collection string         `json:"collection"`
	Op         string         `json:"op"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
	Version    uint64         `json:"version"`
}

func (e Event) Validate() error {
	if e.Collection == "" {
		return errors.New("missing collection")
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	switch e.Op {
	case OpPut:
		if len(e.Fields) == 0 {
			return errors.New("put without fields")
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// eventHistory tracks the highest version applied per document, so a
// replayed or reordered event can be recognized as stale. The window is
// LRU-bounded; a document evicted under pressure is treated as unseen.
type eventHistory struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newEventHistory(window int) *eventHistory {
	if window <= 0 {
		window = 4096
	}
	c, _ := lru.New[string, uint64](window)
	return &eventHistory{seen: c}
}

// advances reports whether ev moves its document past every version
// seen so far, recording it when it does.
func (h *eventHistory) advances(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := ev.Collection + "/" + ev.ID
	if last, ok := h.seen.Get(key); ok && ev.Version <= last {
		return false
	}
	h.seen.Add(key, ev.Version)
	return true
}
