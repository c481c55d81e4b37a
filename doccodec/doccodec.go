// Package doccodec transforms caller payloads into the stored document
// shape and back: {g: indexed geohash, l: raw location, d: payload}.
package doccodec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sllopis/geoquery/geohash"
)

// Field names of the stored document shape. g is the range-queryable
// index field; l keeps the raw location for exact distance recomputation.
const (
	FieldGeohash  = "g"
	FieldLocation = "l"
	FieldData     = "d"

	// DefaultLocationKey is where the location is looked up inside the
	// payload when no key path is configured.
	DefaultLocationKey = "coordinates"
)

// Codec encodes payloads for writing and decodes stored documents for
// reading. The zero value uses DefaultLocationKey.
type Codec struct {
	// LocationKey is a dotted path to the GeoPoint inside the payload.
	LocationKey string
}

func (c Codec) keyPath() []string {
	k := c.LocationKey
	if k == "" {
		k = DefaultLocationKey
	}
	return strings.Split(k, ".")
}

// EncodeForWrite locates the point inside payload, hoists it out, and
// returns the stored shape. g is always the full-precision encoding of
// l; callers must write both in the same operation as the payload.
func (c Codec) EncodeForWrite(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", geohash.ErrInvalidArgument)
	}
	path := c.keyPath()

	point, ok := extractPoint(payload, path)
	if !ok {
		return nil, fmt.Errorf("%w: no valid location at key path %q", geohash.ErrInvalidArgument, strings.Join(path, "."))
	}
	if !point.Valid() {
		return nil, fmt.Errorf("%w: location %s at key path %q out of range", geohash.ErrInvalidArgument, point, strings.Join(path, "."))
	}

	g, err := geohash.Encode(point, geohash.MaxPrecision)
	if err != nil {
		return nil, err
	}

	d := deepCopyWithout(payload, path)
	return map[string]any{
		FieldGeohash:  g,
		FieldLocation: map[string]any{"latitude": point.Latitude, "longitude": point.Longitude},
		FieldData:     d,
	}, nil
}

// DecodeForRead strips the g/l bookkeeping and re-inserts the location at
// its source key, so EncodeForWrite followed by DecodeForRead is lossless
// for the payload.
func (c Codec) DecodeForRead(stored map[string]any) (map[string]any, geohash.Point, error) {
	if stored == nil {
		return nil, geohash.Point{}, fmt.Errorf("%w: nil stored document", geohash.ErrInvalidArgument)
	}
	point, ok := asPoint(stored[FieldLocation])
	if !ok {
		return nil, geohash.Point{}, fmt.Errorf("%w: stored document has no %q location", geohash.ErrInvalidArgument, FieldLocation)
	}

	var payload map[string]any
	if d, ok := stored[FieldData].(map[string]any); ok {
		payload = deepCopy(d)
	} else {
		payload = map[string]any{}
	}
	insertAt(payload, c.keyPath(), map[string]any{"latitude": point.Latitude, "longitude": point.Longitude})
	return payload, point, nil
}

// Location returns the raw point of a stored document without decoding
// the payload.
func Location(stored map[string]any) (geohash.Point, bool) {
	if stored == nil {
		return geohash.Point{}, false
	}
	return asPoint(stored[FieldLocation])
}

func extractPoint(payload map[string]any, path []string) (geohash.Point, bool) {
	cur := payload
	for i, k := range path {
		v, ok := cur[k]
		if !ok {
			return geohash.Point{}, false
		}
		if i == len(path)-1 {
			return asPoint(v)
		}
		next, ok := v.(map[string]any)
		if !ok {
			return geohash.Point{}, false
		}
		cur = next
	}
	return geohash.Point{}, false
}

// asPoint accepts the shapes a location can arrive in: a Point value, a
// latitude/longitude map, or a [lat, lon] pair.
func asPoint(v any) (geohash.Point, bool) {
	switch p := v.(type) {
	case geohash.Point:
		return p, true
	case *geohash.Point:
		if p == nil {
			return geohash.Point{}, false
		}
		return *p, true
	case map[string]any:
		lat, ok1 := asFloat(p["latitude"])
		lon, ok2 := asFloat(p["longitude"])
		if !ok1 || !ok2 {
			return geohash.Point{}, false
		}
		return geohash.Point{Latitude: lat, Longitude: lon}, true
	case []float64:
		if len(p) != 2 {
			return geohash.Point{}, false
		}
		return geohash.Point{Latitude: p[0], Longitude: p[1]}, true
	case []any:
		if len(p) != 2 {
			return geohash.Point{}, false
		}
		lat, ok1 := asFloat(p[0])
		lon, ok2 := asFloat(p[1])
		if !ok1 || !ok2 {
			return geohash.Point{}, false
		}
		return geohash.Point{Latitude: lat, Longitude: lon}, true
	default:
		return geohash.Point{}, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// deepCopyWithout copies payload with the value at path removed; empty
// intermediate maps left behind by the removal are dropped too.
func deepCopyWithout(payload map[string]any, path []string) map[string]any {
	out := deepCopy(payload)
	cur := out
	for i, k := range path {
		if i == len(path)-1 {
			delete(cur, k)
			break
		}
		next, ok := cur[k].(map[string]any)
		if !ok {
			break
		}
		cur = next
	}
	pruneEmpty(out, path)
	return out
}

func pruneEmpty(m map[string]any, path []string) {
	if len(path) <= 1 {
		return
	}
	k := path[0]
	if child, ok := m[k].(map[string]any); ok {
		pruneEmpty(child, path[1:])
		if len(child) == 0 {
			delete(m, k)
		}
	}
}

func insertAt(m map[string]any, path []string, v any) {
	cur := m
	for i, k := range path {
		if i == len(path)-1 {
			cur[k] = v
			return
		}
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			out[k] = deepCopy(child)
			continue
		}
		out[k] = v
	}
	return out
}
