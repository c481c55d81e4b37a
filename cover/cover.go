// Package cover decomposes a circular search region into the minimal set
// of lexicographic geohash ranges that a string-range query can execute.
package cover

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sllopis/geoquery/geohash"
)

// RangeEndSentinel terminates a prefix range. It sorts after every
// geohash alphabet symbol, so [prefix, prefix+sentinel] captures every
// stored hash with that prefix regardless of its precision.
const RangeEndSentinel = "~"

// Range is a half-open-by-convention lexicographic geohash interval,
// executed as a single range query against the store.
type Range struct {
	Start string
	End   string
}

// Ranges returns a duplicate-free, merged set of ranges whose union is a
// superset of the circle around center with the given radius. False
// positives near cell edges are expected and removed downstream by exact
// distance filtering; false negatives must never occur.
//
// Neighbor expansion wraps longitude at the antimeridian. Latitude
// neighbors beyond the poles are dropped, not wrapped: queries whose
// circle crosses a polar cap may under-cover there. Known limitation.
func Ranges(center geohash.Point, radiusKm float64) ([]Range, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: center %s out of range", geohash.ErrInvalidArgument, center)
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return nil, fmt.Errorf("%w: radius %v km (must be > 0)", geohash.ErrInvalidArgument, radiusKm)
	}

	p := precisionFor(center.Latitude, radiusKm)

	cells, err := neighborhood(center, p)
	if err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, len(cells))
	for _, prefix := range cells {
		ranges = append(ranges, Range{Start: prefix, End: prefix + RangeEndSentinel})
	}
	return mergeRanges(ranges), nil
}

// precisionFor picks the largest precision whose cell still measures at
// least twice the radius in both dimensions at the query latitude, so a
// 3x3 neighborhood of such cells contains the full circle.
func precisionFor(lat, radiusKm float64) int {
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0 {
		cosLat = 0
	}
	best := 1
	for p := 1; p <= geohash.MaxPrecision; p++ {
		latKm, lonKm, err := geohash.CellDims(p)
		if err != nil {
			break
		}
		lonKmHere := lonKm * cosLat
		if latKm >= 2*radiusKm && lonKmHere >= 2*radiusKm {
			best = p
			continue
		}
		break
	}
	return best
}

// neighborhood returns the center cell prefix plus its 8 geographic
// neighbors at precision p, deduplicated.
func neighborhood(center geohash.Point, p int) ([]string, error) {
	centerHash, err := geohash.Encode(center, p)
	if err != nil {
		return nil, err
	}
	box, err := geohash.DecodeBoundingBox(centerHash)
	if err != nil {
		return nil, err
	}

	latSpan := box.MaxLat - box.MinLat
	lonSpan := box.MaxLon - box.MinLon
	mid := box.Center()

	seen := map[string]struct{}{centerHash: {}}
	cells := []string{centerHash}
	for _, dLat := range []float64{-latSpan, 0, latSpan} {
		for _, dLon := range []float64{-lonSpan, 0, lonSpan} {
			if dLat == 0 && dLon == 0 {
				continue
			}
			lat := mid.Latitude + dLat
			if lat > 90 || lat < -90 {
				continue // polar caps: dropped, not wrapped
			}
			lon := wrapLongitude(mid.Longitude + dLon)
			h, err := geohash.Encode(geohash.Point{Latitude: lat, Longitude: lon}, p)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			cells = append(cells, h)
		}
	}
	return cells, nil
}

func wrapLongitude(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// mergeRanges sorts by start and coalesces overlapping, duplicate, and
// sibling-adjacent prefix intervals into one interval each.
func mergeRanges(in []Range) []Range {
	if len(in) <= 1 {
		return in
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start != in[j].Start {
			return in[i].Start < in[j].Start
		}
		return in[i].End < in[j].End
	})

	out := in[:1]
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End || r.Start == successorPrefix(last.End) {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// successorPrefix returns the prefix immediately following the given
// range end in geohash order ("9q8~" -> "9q9", "9z~" -> "b0"), or ""
// when there is none.
func successorPrefix(end string) string {
	prefix := strings.TrimSuffix(end, RangeEndSentinel)
	if prefix == "" {
		return ""
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		idx := strings.IndexByte(geohash.Alphabet, b[i])
		if idx < 0 {
			return ""
		}
		if idx+1 < len(geohash.Alphabet) {
			b[i] = geohash.Alphabet[idx+1]
			for j := i + 1; j < len(b); j++ {
				b[j] = geohash.Alphabet[0]
			}
			return string(b)
		}
	}
	return "" // all symbols at max: no successor
}
