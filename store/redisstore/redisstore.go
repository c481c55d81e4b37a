// Package redisstore is the Redis store adapter. Documents live as JSON
// strings under doc:<collection>:<id>; the indexed field is mirrored
// into the sorted set idx:<collection> as member "<g>#<id>" with score
// 0 so range reads are a single ZRANGEBYLEX. Writes publish a change
// event on chg:<collection> which backs RangeSubscribe.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
	"github.com/rs/zerolog"

	"github.com/sllopis/geoquery/internal/observability"
	"github.com/sllopis/geoquery/store"
)

// memberSep joins the indexed value and the document id inside a sorted
// set member. It sorts below every character the index value can
// contain, so member order equals (value, id) order.
const memberSep = "#"

// memberCeil sorts just above memberSep, closing an inclusive value
// bound without admitting longer values that extend it.
const memberCeil = "$"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

func New(ctx context.Context, addr string, log zerolog.Logger, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, log: log}, nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func docKey(collection, id string) string  { return "doc:" + collection + ":" + id }
func idxKey(collection string) string      { return "idx:" + collection }
func channelName(collection string) string { return "chg:" + collection }

// changeEvent is the wire form published on chg:<collection>. Fields
// carries the full stored document so subscribers never read back.
type changeEvent struct {
	Op     string         `json:"op"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (s *Store) RangeRead(ctx context.Context, collection, field, start, end string, filters []store.Filter) ([]store.Document, error) {
	t0 := time.Now()
	docs, err := s.rangeRead(ctx, collection, field, start, end, filters)
	observability.ObserveStoreOp("range_read", err, time.Since(t0).Seconds())
	return docs, err
}

func (s *Store) rangeRead(ctx context.Context, collection, field, start, end string, filters []store.Filter) ([]store.Document, error) {
	members, err := s.rdb.ZRangeByLex(ctx, idxKey(collection), &redis.ZRangeBy{
		Min: "[" + start,
		Max: "(" + end + memberCeil,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYLEX %q: %w", idxKey(collection), err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	kept := members[:0]
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, ok := memberID(m)
		if !ok {
			continue
		}
		kept = append(kept, m)
		keys = append(keys, docKey(collection, id))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d docs: %w", len(keys), err)
	}

	out := make([]store.Document, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue // index entry raced a delete
		}
		doc, err := decodeDoc(kept[i], v)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", collection).Msg("skipping undecodable document")
			continue
		}
		if g, _ := doc.Fields[field].(string); g < start || g > end {
			continue
		}
		if !store.MatchesFilters(doc, filters) {
			continue
		}
		out = append(out, doc)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *Store) Read(ctx context.Context, collection string, filters []store.Filter, limit int) ([]store.Document, error) {
	t0 := time.Now()
	docs, err := s.read(ctx, collection, filters, limit)
	observability.ObserveStoreOp("read", err, time.Since(t0).Seconds())
	return docs, err
}

func (s *Store) read(ctx context.Context, collection string, filters []store.Filter, limit int) ([]store.Document, error) {
	// Every document carries the indexed field, so the index enumerates
	// the whole collection.
	members, err := s.rdb.ZRangeByLex(ctx, idxKey(collection), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYLEX %q: %w", idxKey(collection), err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	kept := members[:0]
	ids := make([]string, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, ok := memberID(m)
		if !ok {
			continue
		}
		kept = append(kept, m)
		ids = append(ids, id)
		keys = append(keys, docKey(collection, id))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d docs: %w", len(keys), err)
	}

	byID := make(map[string]store.Document, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		doc, err := decodeDoc(kept[i], v)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", collection).Msg("skipping undecodable document")
			continue
		}
		if !store.MatchesFilters(doc, filters) {
			continue
		}
		byID[ids[i]] = doc
	}

	out := make([]store.Document, 0, len(byID))
	for _, id := range sortedIDs(byID) {
		out = append(out, byID[id])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, collection string, doc store.Document) error {
	t0 := time.Now()
	err := s.put(ctx, collection, doc)
	observability.ObserveStoreOp("put", err, time.Since(t0).Seconds())
	return err
}

func (s *Store) put(ctx context.Context, collection string, doc store.Document) error {
	if doc.ID == "" {
		return errors.New("redisstore: empty document id")
	}

	body, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("redisstore: encode document %q: %w", doc.ID, err)
	}

	prevMember, err := s.currentMember(ctx, collection, doc.ID)
	if err != nil {
		return err
	}

	g, _ := doc.Fields["g"].(string)
	member := g + memberSep + doc.ID

	event, err := json.Marshal(changeEvent{Op: "put", ID: doc.ID, Fields: doc.Fields})
	if err != nil {
		return fmt.Errorf("redisstore: encode change event %q: %w", doc.ID, err)
	}

	// Doc body, index entry and change event go out in one transaction
	// so readers never see the index and the document disagree.
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, docKey(collection, doc.ID), body, 0)
		if prevMember != "" && prevMember != member {
			p.ZRem(ctx, idxKey(collection), prevMember)
		}
		p.ZAdd(ctx, idxKey(collection), redis.Z{Score: 0, Member: member})
		p.Publish(ctx, channelName(collection), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis PUT %q (pipeline): %w", doc.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t0 := time.Now()
	err := s.delete(ctx, collection, id)
	observability.ObserveStoreOp("delete", err, time.Since(t0).Seconds())
	return err
}

func (s *Store) delete(ctx context.Context, collection, id string) error {
	if id == "" {
		return errors.New("redisstore: empty document id")
	}

	member, err := s.currentMember(ctx, collection, id)
	if err != nil {
		return err
	}
	if member == "" {
		return nil // absent, nothing to do
	}

	event, err := json.Marshal(changeEvent{Op: "delete", ID: id})
	if err != nil {
		return fmt.Errorf("redisstore: encode change event %q: %w", id, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, docKey(collection, id))
		p.ZRem(ctx, idxKey(collection), member)
		p.Publish(ctx, channelName(collection), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis DELETE %q (pipeline): %w", id, err)
	}
	return nil
}

// currentMember returns the index member the stored copy of id occupies,
// or "" when the document does not exist.
func (s *Store) currentMember(ctx context.Context, collection, id string) (string, error) {
	raw, err := s.rdb.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %q: %w", docKey(collection, id), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("redisstore: decode document %q: %w", id, err)
	}
	g, _ := fields["g"].(string)
	return g + memberSep + id, nil
}

func (s *Store) RangeSubscribe(ctx context.Context, collection, field, start, end string, filters []store.Filter,
	onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, errors.New("redisstore: onChange is required")
	}

	// Subscribe before the initial read so no write can slip between
	// snapshot and stream. Events already reflected in the snapshot are
	// suppressed by the no-op check in apply.
	pubsub := s.rdb.Subscribe(ctx, channelName(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE %q: %w", channelName(collection), err)
	}

	initial, err := s.RangeRead(ctx, collection, field, start, end, filters)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &subscription{
		field:    field,
		start:    start,
		end:      end,
		filters:  filters,
		onChange: onChange,
		onError:  onError,
		cache:    make(map[string]store.Document, len(initial)),
		done:     make(chan struct{}),
		log:      s.log.With().Str("collection", collection).Logger(),
	}
	for _, doc := range initial {
		sub.cache[doc.ID] = doc
	}

	go sub.run(pubsub, initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.done)
			_ = pubsub.Close()
		})
	}, nil
}

type subscription struct {
	field    string
	start    string
	end      string
	filters  []store.Filter
	onChange func([]store.Change)
	onError  func(error)

	// cache holds the documents currently inside the range, keyed by
	// id, for change classification and no-op suppression.
	cache map[string]store.Document
	done  chan struct{}
	log   zerolog.Logger
}

func (sub *subscription) run(pubsub *redis.PubSub, initial []store.Document) {
	snapshot := make([]store.Change, 0, len(initial))
	for _, doc := range initial {
		snapshot = append(snapshot, store.Change{Kind: store.Added, Doc: doc})
	}
	if !sub.emit(snapshot) {
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-sub.done:
					// closed by unsubscribe, not an error
				default:
					if sub.onError != nil {
						sub.onError(errors.New("redisstore: change stream closed"))
					}
				}
				return
			}
			var ev changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				sub.log.Warn().Err(err).Msg("dropping undecodable change event")
				continue
			}
			if batch := sub.apply(ev); len(batch) > 0 {
				if !sub.emit(batch) {
					return
				}
			}
		}
	}
}

// emit delivers a batch unless the subscription was torn down. Returns
// false once delivery must stop.
func (sub *subscription) emit(batch []store.Change) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	sub.onChange(batch)
	return true
}

func (sub *subscription) apply(ev changeEvent) []store.Change {
	prev, was := sub.cache[ev.ID]

	if ev.Op == "delete" {
		if !was {
			return nil
		}
		delete(sub.cache, ev.ID)
		return []store.Change{{Kind: store.Removed, Doc: prev}}
	}

	doc := store.Document{ID: ev.ID, Fields: ev.Fields}
	g, _ := ev.Fields[sub.field].(string)
	now := g >= sub.start && g <= sub.end && store.MatchesFilters(doc, sub.filters)

	switch {
	case now && !was:
		sub.cache[ev.ID] = doc
		return []store.Change{{Kind: store.Added, Doc: doc}}
	case now && was:
		if reflect.DeepEqual(prev.Fields, doc.Fields) {
			return nil // no-op write or snapshot replay
		}
		sub.cache[ev.ID] = doc
		return []store.Change{{Kind: store.Modified, Doc: doc}}
	case !now && was:
		delete(sub.cache, ev.ID)
		return []store.Change{{Kind: store.Removed, Doc: prev}}
	default:
		return nil
	}
}

func memberID(member string) (string, bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == memberSep[0] {
			return member[i+1:], true
		}
	}
	return "", false
}

func decodeDoc(member string, val any) (store.Document, error) {
	id, ok := memberID(member)
	if !ok {
		return store.Document{}, fmt.Errorf("redisstore: malformed index member %q", member)
	}
	var raw []byte
	switch t := val.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return store.Document{}, fmt.Errorf("redisstore: unexpected value type %T for %q", val, id)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return store.Document{}, fmt.Errorf("redisstore: decode document %q: %w", id, err)
	}
	return store.Document{ID: id, Fields: fields}, nil
}

func sortedIDs(m map[string]store.Document) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
