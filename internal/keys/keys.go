// Package keys builds cache keys for memoized query plans.
package keys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sllopis/geoquery/geohash"
	"github.com/sllopis/geoquery/store"
)

// PlanKey identifies a covering-range computation. Coordinates are
// quantized to ~1e-7 degrees so float noise does not fragment the cache.
func PlanKey(center geohash.Point, radiusKm float64) string {
	return fmt.Sprintf("%.7f:%.7f:%.7f", center.Latitude, center.Longitude, radiusKm)
}

// FilterHash collapses an equality filter set into a stable 64-bit hash,
// independent of filter order.
func FilterHash(filters []store.Filter) uint64 {
	if len(filters) == 0 {
		return 0
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Field, f.Value))
	}
	sort.Strings(parts)
	return xxhash.Sum64String(strings.Join(parts, "\x1f"))
}
