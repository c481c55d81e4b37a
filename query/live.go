package query

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sllopis/geoquery/cover"
	"github.com/sllopis/geoquery/doccodec"
	"github.com/sllopis/geoquery/geohash"
	"github.com/sllopis/geoquery/internal/observability"
	"github.com/sllopis/geoquery/store"
)

// Subscribe opens a live geo query: one range subscription per covering
// range, merged into snapshots diffed against the previously emitted
// result set. The first snapshot is withheld until every range has
// delivered its initial batch, so the subscriber never sees a partial
// region.
//
// Callbacks are serialized. The returned Unsubscribe is idempotent and
// must not be called from inside a callback. A range failure while the
// subscriptions are still being set up surfaces as Subscribe's returned
// error; onError can only fire after Subscribe has returned successfully,
// so a single failure never produces two terminal signals.
func (e *Engine) Subscribe(ctx context.Context, collection string, c Criteria, filters []store.Filter,
	onSnapshot func(Snapshot), onError func(error)) (store.Unsubscribe, error) {
	if err := validate(collection, c); err != nil {
		return nil, err
	}
	if c.Center == nil {
		return nil, fmt.Errorf("%w: live queries require a center and radius", geohash.ErrInvalidArgument)
	}
	if onSnapshot == nil {
		return nil, fmt.Errorf("%w: onSnapshot is required", geohash.ErrInvalidArgument)
	}

	ranges, err := e.plan(*c.Center, c.RadiusKm)
	if err != nil {
		return nil, err
	}
	observability.ObserveFanout(len(ranges))

	lj := &liveJoin{
		engine:     e,
		criteria:   c,
		onSnapshot: onSnapshot,
		onError:    onError,
		perRange:   make([]map[string]store.Document, len(ranges)),
		pending:    len(ranges),
		log: e.log.With().
			Str("collection", collection).
			Int("ranges", len(ranges)).
			Logger(),
	}
	observability.IncLiveSubscriptions()

	for i, r := range ranges {
		unsub, err := e.st.RangeSubscribe(ctx, collection, doccodec.FieldGeohash, r.Start, r.End, filters,
			lj.rangeChange(i), lj.rangeError(r))
		if err != nil {
			lj.terminate(nil)
			return nil, &FanoutError{Range: r, Err: err}
		}
		lj.mu.Lock()
		closed := lj.closed
		if !closed {
			lj.unsubs = append(lj.unsubs, unsub)
		}
		lj.mu.Unlock()
		if closed {
			// a sibling range already failed during setup
			unsub()
			return nil, lj.setupFailure(r)
		}
	}

	lj.mu.Lock()
	lj.armed = true
	failed := lj.setupErr
	lj.mu.Unlock()
	if failed != nil {
		return nil, failed
	}

	return func() { lj.terminate(nil) }, nil
}

// setupFailure reports the error behind a teardown that raced the
// subscription loop.
func (lj *liveJoin) setupFailure(r cover.Range) error {
	lj.mu.Lock()
	defer lj.mu.Unlock()
	if lj.setupErr != nil {
		return lj.setupErr
	}
	return &FanoutError{Range: r, Err: ErrSubscriptionTornDown}
}

type liveJoin struct {
	engine     *Engine
	criteria   Criteria
	onSnapshot func(Snapshot)
	onError    func(error)
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
	// pending counts ranges that have not reported their initial batch;
	// nothing is emitted while it is positive.
	pending  int
	perRange []map[string]store.Document
	// emitted holds the stored docs behind the last emitted result set,
	// keyed by id, for diff classification.
	emitted     map[string]store.Document
	emittedOnce bool
	unsubs      []store.Unsubscribe
	// armed flips once Subscribe has handed out the outer unsubscribe;
	// a terminal error before that is returned from Subscribe instead
	// of being delivered through onError.
	armed    bool
	setupErr error

	termOnce sync.Once
}

func (lj *liveJoin) rangeChange(i int) func([]store.Change) {
	return func(batch []store.Change) {
		lj.mu.Lock()
		defer lj.mu.Unlock()
		if lj.closed {
			return
		}
		if lj.perRange[i] == nil {
			lj.perRange[i] = make(map[string]store.Document)
			lj.pending--
		}
		for _, ch := range batch {
			if ch.Kind == store.Removed {
				delete(lj.perRange[i], ch.Doc.ID)
				continue
			}
			lj.perRange[i][ch.Doc.ID] = ch.Doc
		}
		if lj.pending > 0 {
			return
		}
		lj.emitLocked()
	}
}

func (lj *liveJoin) rangeError(r cover.Range) func(error) {
	return func(err error) {
		lj.terminate(&FanoutError{Range: r, Err: fmt.Errorf("%w: %w", ErrSubscriptionTornDown, err)})
	}
}

// terminate closes the join exactly once. A nil err is an unsubscribe;
// a non-nil err is the single terminal onError delivery. Whichever
// happens first wins and the other becomes a no-op.
func (lj *liveJoin) terminate(err error) {
	lj.termOnce.Do(func() {
		lj.mu.Lock()
		lj.closed = true
		armed := lj.armed
		if err != nil && !armed {
			lj.setupErr = err
		}
		unsubs := lj.unsubs
		lj.unsubs = nil
		lj.mu.Unlock()

		for _, u := range unsubs {
			u()
		}
		observability.DecLiveSubscriptions()

		if err == nil {
			return
		}
		lj.log.Debug().Err(err).Msg("live query torn down")
		if armed && lj.onError != nil {
			lj.onError(err)
		}
	})
}

// emitLocked recomputes the merged result set and emits a snapshot when
// it differs from the previously emitted one. Caller holds lj.mu.
func (lj *liveJoin) emitLocked() {
	// union across ranges; overlaps resolve to the same stored doc
	merged := make(map[string]store.Document)
	for _, cache := range lj.perRange {
		for id, doc := range cache {
			merged[id] = doc
		}
	}

	var records []Record
	for id, doc := range merged {
		rec, err := lj.engine.toRecord(doc, lj.criteria.Center)
		if err != nil {
			lj.log.Warn().Err(err).Str("id", id).Msg("skipping undecodable document")
			continue
		}
		if rec.DistanceKm > lj.criteria.RadiusKm {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	if lj.criteria.Limit > 0 && len(records) > lj.criteria.Limit {
		records = records[:lj.criteria.Limit]
	}

	next := make(map[string]store.Document, len(records))
	for _, rec := range records {
		next[rec.ID] = merged[rec.ID]
	}

	var changes []RecordChange
	for _, rec := range records {
		prev, had := lj.emitted[rec.ID]
		switch {
		case !had:
			changes = append(changes, RecordChange{Kind: store.Added, Record: rec})
		case !reflect.DeepEqual(prev.Fields, next[rec.ID].Fields):
			changes = append(changes, RecordChange{Kind: store.Modified, Record: rec})
		}
	}
	for id, prev := range lj.emitted {
		if _, still := next[id]; still {
			continue
		}
		rec, err := lj.engine.toRecord(prev, lj.criteria.Center)
		if err != nil {
			rec = Record{ID: id}
		}
		changes = append(changes, RecordChange{Kind: store.Removed, Record: rec})
	}
	sortChanges(changes)

	if lj.emittedOnce && len(changes) == 0 {
		return // upstream batch did not move the result set
	}
	lj.emitted = next
	lj.emittedOnce = true

	if records == nil {
		records = []Record{}
	}
	lj.onSnapshot(Snapshot{Records: records, Changes: changes})
}

func sortChanges(changes []RecordChange) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Record.ID < changes[j].Record.ID
	})
}
