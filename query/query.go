// Package query joins range reads over a decomposed circular region
// back into a single exact answer. Engine is the public entry point:
// one-shot queries fan out a RangeRead per covering range, live queries
// hold a RangeSubscribe per range and diff the merged result set.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sllopis/geoquery/cover"
	"github.com/sllopis/geoquery/doccodec"
	"github.com/sllopis/geoquery/geohash"
	"github.com/sllopis/geoquery/internal/keys"
	"github.com/sllopis/geoquery/internal/observability"
	"github.com/sllopis/geoquery/store"
)

const defaultPlanCacheSize = 512

// Criteria describes one query. Center and RadiusKm come together: both
// set is a geo query, both unset is a plain filtered read. Limit 0
// means unlimited.
type Criteria struct {
	Center   *geohash.Point
	RadiusKm float64
	Limit    int
}

// Record is one query result. DistanceKm is the exact great-circle
// distance from the query center, NaN for plain queries.
type Record struct {
	ID         string
	Data       map[string]any
	Location   geohash.Point
	DistanceKm float64
}

// RecordChange is one diff entry of a live snapshot.
type RecordChange struct {
	Kind   store.ChangeKind
	Record Record
}

// Snapshot is one live emission: the full current result set plus the
// diff against the previously emitted set.
type Snapshot struct {
	Records []Record
	Changes []RecordChange
}

type Engine struct {
	st    store.Store
	codec doccodec.Codec
	log   zerolog.Logger
	plans *lru.Cache[string, []cover.Range]
}

type Option func(*settings)

type settings struct {
	codec         doccodec.Codec
	log           zerolog.Logger
	planCacheSize int
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithCodec overrides the document codec, e.g. for a non-default
// location key path.
func WithCodec(c doccodec.Codec) Option {
	return func(s *settings) { s.codec = c }
}

func WithPlanCacheSize(n int) Option {
	return func(s *settings) { s.planCacheSize = n }
}

func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", geohash.ErrInvalidArgument)
	}
	s := settings{log: zerolog.Nop(), planCacheSize: defaultPlanCacheSize}
	for _, f := range opts {
		f(&s)
	}
	plans, err := lru.New[string, []cover.Range](s.planCacheSize)
	if err != nil {
		return nil, fmt.Errorf("query: plan cache: %w", err)
	}
	return &Engine{st: st, codec: s.codec, log: s.log, plans: plans}, nil
}

// Query runs a one-shot query. Geo queries fan out one range read per
// covering range and fail as a whole on the first range failure.
func (e *Engine) Query(ctx context.Context, collection string, c Criteria, filters []store.Filter) ([]Record, error) {
	t0 := time.Now()
	mode := "plain"
	if c.Center != nil {
		mode = "geo"
	}
	recs, err := e.query(ctx, collection, c, filters)
	observability.ObserveQuery(mode, err, time.Since(t0).Seconds())
	return recs, err
}

func (e *Engine) query(ctx context.Context, collection string, c Criteria, filters []store.Filter) ([]Record, error) {
	if err := validate(collection, c); err != nil {
		return nil, err
	}
	if c.Center == nil {
		return e.plainQuery(ctx, collection, c, filters)
	}

	ranges, err := e.plan(*c.Center, c.RadiusKm)
	if err != nil {
		return nil, err
	}
	observability.ObserveFanout(len(ranges))

	e.log.Debug().
		Str("collection", collection).
		Int("ranges", len(ranges)).
		Uint64("filter_hash", keys.FilterHash(filters)).
		Float64("radius_km", c.RadiusKm).
		Msg("geo query fan-out")

	g, ctx := errgroup.WithContext(ctx)
	results := make([][]store.Document, len(ranges))
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			docs, err := e.st.RangeRead(ctx, collection, doccodec.FieldGeohash, r.Start, r.End, filters)
			if err != nil {
				return &FanoutError{Range: r, Err: err}
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []Record
	for _, docs := range results {
		for _, doc := range docs {
			if _, dup := seen[doc.ID]; dup {
				continue
			}
			seen[doc.ID] = struct{}{}
			rec, err := e.toRecord(doc, c.Center)
			if err != nil {
				e.log.Warn().Err(err).Str("id", doc.ID).Msg("skipping undecodable document")
				continue
			}
			if rec.DistanceKm > c.RadiusKm {
				continue // cell overlapped the circle, the point does not
			}
			out = append(out, rec)
		}
	}

	sortRecords(out)
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (e *Engine) plainQuery(ctx context.Context, collection string, c Criteria, filters []store.Filter) ([]Record, error) {
	docs, err := e.st.Read(ctx, collection, filters, c.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := e.toRecord(doc, nil)
		if err != nil {
			e.log.Warn().Err(err).Str("id", doc.ID).Msg("skipping undecodable document")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// plan returns the memoized covering-range decomposition for a
// quantized (center, radius) pair.
func (e *Engine) plan(center geohash.Point, radiusKm float64) ([]cover.Range, error) {
	key := keys.PlanKey(center, radiusKm)
	if ranges, ok := e.plans.Get(key); ok {
		observability.IncPlanCacheHit()
		return ranges, nil
	}
	observability.IncPlanCacheMiss()
	ranges, err := cover.Ranges(center, radiusKm)
	if err != nil {
		return nil, err
	}
	e.plans.Add(key, ranges)
	return ranges, nil
}

func (e *Engine) toRecord(doc store.Document, center *geohash.Point) (Record, error) {
	data, pt, err := e.codec.DecodeForRead(doc.Fields)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: doc.ID, Data: data, Location: pt, DistanceKm: math.NaN()}
	if center != nil {
		rec.DistanceKm = geohash.Distance(*center, pt)
	}
	return rec, nil
}

func validate(collection string, c Criteria) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection", geohash.ErrInvalidArgument)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", geohash.ErrInvalidArgument, c.Limit)
	}
	if c.Center == nil {
		if c.RadiusKm != 0 {
			return fmt.Errorf("%w: radius without center", geohash.ErrInvalidArgument)
		}
		return nil
	}
	if !c.Center.Valid() {
		return fmt.Errorf("%w: center %s out of range", geohash.ErrInvalidArgument, *c.Center)
	}
	if c.RadiusKm <= 0 || math.IsInf(c.RadiusKm, 0) || math.IsNaN(c.RadiusKm) {
		return fmt.Errorf("%w: radius %v must be a positive finite number of km", geohash.ErrInvalidArgument, c.RadiusKm)
	}
	return nil
}

// sortRecords orders by (distance, id); the id tiebreak keeps results
// deterministic for equidistant documents.
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].DistanceKm != recs[j].DistanceKm {
			return recs[i].DistanceKm < recs[j].DistanceKm
		}
		return recs[i].ID < recs[j].ID
	})
}
