package cover

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/sllopis/geoquery/geohash"
)

func TestRanges_InvalidArguments(t *testing.T) {
	cases := []struct {
		name   string
		center geohash.Point
		radius float64
	}{
		{"zero radius", geohash.Point{Latitude: 10, Longitude: 10}, 0},
		{"negative radius", geohash.Point{Latitude: 10, Longitude: 10}, -1},
		{"bad center", geohash.Point{Latitude: 95, Longitude: 10}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Ranges(c.center, c.radius); !errors.Is(err, geohash.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestRanges_SortedDisjointDeduped(t *testing.T) {
	ranges, err := Ranges(geohash.Point{Latitude: 37.7749, Longitude: -122.4194}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) == 0 || len(ranges) > 9 {
		t.Fatalf("got %d ranges, want 1..9", len(ranges))
	}
	if !sort.SliceIsSorted(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start }) {
		t.Fatalf("ranges not sorted: %+v", ranges)
	}
	for i, r := range ranges {
		if r.Start >= r.End {
			t.Fatalf("range %d empty: %+v", i, r)
		}
		if i > 0 && r.Start <= ranges[i-1].End {
			t.Fatalf("ranges %d and %d overlap: %+v %+v", i-1, i, ranges[i-1], r)
		}
	}
}

// Coverage invariant: every point within the radius must encode into at
// least one returned range; false negatives are never allowed.
func TestRanges_NoFalseNegatives(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	centers := []geohash.Point{
		{Latitude: 37.7749, Longitude: -122.4194},
		{Latitude: 0, Longitude: 0},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 59.3293, Longitude: 18.0686},
		{Latitude: 0.1, Longitude: 179.95}, // antimeridian
	}
	radii := []float64{0.2, 1, 5, 50, 500}

	for _, center := range centers {
		for _, radiusKm := range radii {
			ranges, err := Ranges(center, radiusKm)
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 300; i++ {
				q := randomPointWithin(rng, center, radiusKm)
				if !q.Valid() {
					continue
				}
				h, err := geohash.Encode(q, geohash.MaxPrecision)
				if err != nil {
					t.Fatal(err)
				}
				if !covered(ranges, h) {
					t.Fatalf("center=%s radius=%v: point %s hash %q (dist %.4f km) not covered by %+v",
						center, radiusKm, q, h, geohash.Distance(center, q), ranges)
				}
			}
		}
	}
}

func TestRanges_CapturesAnyStoredPrecision(t *testing.T) {
	center := geohash.Point{Latitude: 48.8566, Longitude: 2.3522}
	ranges, err := Ranges(center, 2)
	if err != nil {
		t.Fatal(err)
	}
	// The center itself, stored at any precision, must fall in a range.
	for prec := 4; prec <= geohash.MaxPrecision; prec++ {
		h, err := geohash.Encode(center, prec)
		if err != nil {
			t.Fatal(err)
		}
		if !covered(ranges, h) {
			t.Fatalf("precision-%d hash %q not covered by %+v", prec, h, ranges)
		}
	}
}

func TestRanges_SmallRadiusUsesFinerPrecision(t *testing.T) {
	center := geohash.Point{Latitude: 10, Longitude: 10}
	wide, err := Ranges(center, 800)
	if err != nil {
		t.Fatal(err)
	}
	tight, err := Ranges(center, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	widePrefix := strings.TrimSuffix(wide[0].End, RangeEndSentinel)
	tightPrefix := strings.TrimSuffix(tight[0].End, RangeEndSentinel)
	if len(tightPrefix) <= len(widePrefix) {
		t.Fatalf("tight radius prefix %q not finer than wide prefix %q", tightPrefix, widePrefix)
	}
}

func TestRanges_PolarCenterDropsMissingNeighbors(t *testing.T) {
	// Near the pole the latitude neighbors above 90 are dropped; the call
	// still succeeds and returns a non-empty covering.
	ranges, err := Ranges(geohash.Point{Latitude: 89.99, Longitude: 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) == 0 {
		t.Fatal("no ranges for polar center")
	}
}

func TestSuccessorPrefix(t *testing.T) {
	cases := []struct{ end, want string }{
		{"9q8" + RangeEndSentinel, "9q9"},
		{"9z" + RangeEndSentinel, "b0"},
		{"z" + RangeEndSentinel, ""},
		{"zz" + RangeEndSentinel, ""},
		{"0" + RangeEndSentinel, "1"},
	}
	for _, c := range cases {
		if got := successorPrefix(c.end); got != c.want {
			t.Errorf("successorPrefix(%q) = %q, want %q", c.end, got, c.want)
		}
	}
}

func TestMergeRanges_SiblingsCoalesce(t *testing.T) {
	in := []Range{
		{"9q9", "9q9" + RangeEndSentinel},
		{"9q8", "9q8" + RangeEndSentinel},
		{"9q8", "9q8" + RangeEndSentinel}, // duplicate
		{"9qd", "9qd" + RangeEndSentinel},
	}
	out := mergeRanges(in)
	want := []Range{
		{"9q8", "9q9" + RangeEndSentinel},
		{"9qd", "9qd" + RangeEndSentinel},
	}
	if len(out) != len(want) {
		t.Fatalf("got %+v, want %+v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %+v, want %+v", out, want)
		}
	}
}

func covered(ranges []Range, hash string) bool {
	for _, r := range ranges {
		if hash >= r.Start && hash <= r.End {
			return true
		}
	}
	return false
}

// randomPointWithin samples a point at most radiusKm from center using a
// small-angle planar approximation, biased inward for safety.
func randomPointWithin(rng *rand.Rand, center geohash.Point, radiusKm float64) geohash.Point {
	const kmPerLatDeg = 110.574
	for {
		dLat := (rng.Float64()*2 - 1) * radiusKm / kmPerLatDeg
		cos := math.Cos(center.Latitude * math.Pi / 180)
		if cos < 0.01 {
			cos = 0.01
		}
		dLon := (rng.Float64()*2 - 1) * radiusKm / (111.320 * cos)
		p := geohash.Point{
			Latitude:  center.Latitude + dLat,
			Longitude: wrapLongitude(center.Longitude + dLon),
		}
		if !p.Valid() {
			continue
		}
		if geohash.Distance(center, p) <= radiusKm {
			return p
		}
	}
}
