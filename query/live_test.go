package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sllopis/geoquery/geohash"
	"github.com/sllopis/geoquery/store"
	"github.com/sllopis/geoquery/store/memstore"
)

func recvSnap(t *testing.T, ch chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestSubscribe_FirstSnapshotCoversWholeRegion(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	putAt(t, st, "places", "near", north(0.2), nil)
	putAt(t, st, "places", "mid", north(0.9), nil)
	putAt(t, st, "places", "far", north(3.0), nil)

	e := newEngine(t, st)
	ch := make(chan Snapshot, 16)
	unsub, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)

	// the first snapshot is the complete merged set, never a partial
	// region from a subset of ranges
	first := recvSnap(t, ch)
	if len(first.Records) != 2 || first.Records[0].ID != "near" || first.Records[1].ID != "mid" {
		t.Fatalf("first snapshot = %v, want [near mid]", recordIDs(first.Records))
	}
	if len(first.Changes) != 2 {
		t.Fatalf("first snapshot changes = %d, want 2 added", len(first.Changes))
	}
	for _, c := range first.Changes {
		if c.Kind != store.Added {
			t.Fatalf("first snapshot change kind = %v, want added", c.Kind)
		}
	}
}

func TestSubscribe_EmptyFirstSnapshotIsDelivered(t *testing.T) {
	e := newEngine(t, memstore.New())
	ch := make(chan Snapshot, 1)
	unsub, err := e.Subscribe(context.Background(), "places",
		Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)

	first := recvSnap(t, ch)
	if len(first.Records) != 0 || len(first.Changes) != 0 {
		t.Fatalf("first snapshot = %+v, want empty", first)
	}
}

func TestSubscribe_DiffsTrackWrites(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	putAt(t, st, "places", "near", north(0.2), nil)

	e := newEngine(t, st)
	ch := make(chan Snapshot, 16)
	unsub, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)
	recvSnap(t, ch) // initial [near]

	// new doc inside the radius
	putAt(t, st, "places", "mid", north(0.9), nil)
	s := recvSnap(t, ch)
	if len(s.Changes) != 1 || s.Changes[0].Kind != store.Added || s.Changes[0].Record.ID != "mid" {
		t.Fatalf("add diff = %+v", s.Changes)
	}
	if len(s.Records) != 2 {
		t.Fatalf("snapshot = %v, want [near mid]", recordIDs(s.Records))
	}

	// payload change at the same location
	putAt(t, st, "places", "mid", north(0.9), map[string]any{"open": true})
	s = recvSnap(t, ch)
	if len(s.Changes) != 1 || s.Changes[0].Kind != store.Modified || s.Changes[0].Record.ID != "mid" {
		t.Fatalf("modify diff = %+v", s.Changes)
	}

	// moving past the radius reads as a removal
	putAt(t, st, "places", "mid", north(5.0), nil)
	s = recvSnap(t, ch)
	if len(s.Changes) != 1 || s.Changes[0].Kind != store.Removed || s.Changes[0].Record.ID != "mid" {
		t.Fatalf("move-out diff = %+v", s.Changes)
	}
	if len(s.Records) != 1 || s.Records[0].ID != "near" {
		t.Fatalf("snapshot after move-out = %v, want [near]", recordIDs(s.Records))
	}

	// delete the last one
	if err := st.Delete(ctx, "places", "near"); err != nil {
		t.Fatal(err)
	}
	s = recvSnap(t, ch)
	if len(s.Changes) != 1 || s.Changes[0].Kind != store.Removed || s.Changes[0].Record.ID != "near" {
		t.Fatalf("delete diff = %+v", s.Changes)
	}
	if len(s.Records) != 0 {
		t.Fatalf("final snapshot = %v, want empty", recordIDs(s.Records))
	}
}

func TestSubscribe_WritesOutsideRadiusEmitNothing(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	e := newEngine(t, st)
	ch := make(chan Snapshot, 4)
	unsub, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)
	recvSnap(t, ch) // initial empty

	// inside a covering cell but outside the circle
	putAt(t, st, "places", "edge", north(1.8), nil)

	select {
	case s := <-ch:
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_UnsubscribeStopsSnapshotsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	e := newEngine(t, st)
	ch := make(chan Snapshot, 16)
	unsub, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recvSnap(t, ch) // initial

	unsub()
	unsub() // no-op

	putAt(t, st, "places", "near", north(0.2), nil)
	select {
	case s := <-ch:
		t.Fatalf("snapshot after unsubscribe: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// errFanStore records the onError callbacks handed to RangeSubscribe so
// tests can fail sub-ranges on demand.
type errFanStore struct {
	*memstore.Store
	mu     sync.Mutex
	errFns []func(error)
}

func (s *errFanStore) RangeSubscribe(ctx context.Context, collection, field, start, end string, filters []store.Filter,
	onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	s.mu.Lock()
	s.errFns = append(s.errFns, onError)
	s.mu.Unlock()
	return s.Store.RangeSubscribe(ctx, collection, field, start, end, filters, onChange, onError)
}

func (s *errFanStore) failAll(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.errFns...)
	s.mu.Unlock()
	for _, f := range fns {
		f(err)
	}
}

func TestSubscribe_RangeFailureDeliversExactlyOneTerminalError(t *testing.T) {
	ctx := context.Background()
	st := &errFanStore{Store: memstore.New()}

	e := newEngine(t, st)
	ch := make(chan Snapshot, 16)
	errs := make(chan error, 16)
	unsub, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(s Snapshot) { ch <- s }, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)
	recvSnap(t, ch) // initial

	cause := errors.New("stream broke")
	st.failAll(cause) // every sub-range reports; exactly one must surface

	var got error
	select {
	case got = <-errs:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
	if !errors.Is(got, ErrSubscriptionTornDown) {
		t.Fatalf("terminal error = %v, want ErrSubscriptionTornDown in chain", got)
	}
	if !errors.Is(got, cause) {
		t.Fatalf("terminal error = %v, want cause in chain", got)
	}
	var fe *FanoutError
	if !errors.As(got, &fe) {
		t.Fatalf("terminal error = %T, want FanoutError", got)
	}

	select {
	case extra := <-errs:
		t.Fatalf("second terminal error: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// torn down: writes emit nothing
	putAt(t, st.Store, "places", "near", north(0.2), nil)
	select {
	case s := <-ch:
		t.Fatalf("snapshot after teardown: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// setupFailStore tears the stream down synchronously, while Subscribe is
// still wiring up its sub-ranges.
type setupFailStore struct {
	*memstore.Store
	err error
}

func (s *setupFailStore) RangeSubscribe(ctx context.Context, collection, field, start, end string, filters []store.Filter,
	onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	unsub, err := s.Store.RangeSubscribe(ctx, collection, field, start, end, filters, onChange, onError)
	if err != nil {
		return nil, err
	}
	onError(s.err)
	return unsub, nil
}

func TestSubscribe_SetupFailureIsReturnedNotCalledBack(t *testing.T) {
	cause := errors.New("stream broke during setup")
	st := &setupFailStore{Store: memstore.New(), err: cause}

	e := newEngine(t, st)
	var mu sync.Mutex
	var callbacks int
	unsub, err := e.Subscribe(context.Background(), "places",
		Criteria{Center: &sfCenter, RadiusKm: 1}, nil,
		func(Snapshot) {},
		func(error) { mu.Lock(); callbacks++; mu.Unlock() })
	if err == nil {
		unsub()
		t.Fatal("Subscribe succeeded despite setup failure")
	}
	if !errors.Is(err, ErrSubscriptionTornDown) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrSubscriptionTornDown and cause in chain", err)
	}
	var fe *FanoutError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want FanoutError", err)
	}

	// the failure already surfaced as the return value; a second
	// delivery through onError would double the terminal signal
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if callbacks != 0 {
		t.Fatalf("onError fired %d times for a failure Subscribe returned", callbacks)
	}
}

func TestSubscribe_RequiresCenterAndCallback(t *testing.T) {
	e := newEngine(t, memstore.New())
	ctx := context.Background()

	if _, err := e.Subscribe(ctx, "places", Criteria{}, nil, func(Snapshot) {}, nil); !errors.Is(err, geohash.ErrInvalidArgument) {
		t.Fatalf("no center: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := e.Subscribe(ctx, "places", Criteria{Center: &sfCenter, RadiusKm: 1}, nil, nil, nil); !errors.Is(err, geohash.ErrInvalidArgument) {
		t.Fatalf("nil onSnapshot: err = %v, want ErrInvalidArgument", err)
	}
}
