// Package geohash implements the base-32 geohash codec used as the
// range-queryable index encoding: interleaved longitude/latitude
// bisection packed five bits per symbol.
package geohash

import (
	"fmt"
	"math"
	"strings"
)

const (
	// Alphabet is the 32-symbol geohash alphabet in lexicographic order.
	Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

	// MaxPrecision is the full precision stored on documents.
	MaxPrecision = 10

	earthRadiusKm = 6371.0

	kmPerLatDegree = 110.574
	kmPerLonDegree = 111.320 // at the equator
)

var symbolIndex = func() map[byte]int {
	m := make(map[byte]int, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		m[Alphabet[i]] = i
	}
	return m
}()

// Point is an immutable (latitude, longitude) pair in degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Latitude, p.Longitude)
}

// Valid reports whether the point lies in [-90,90] x [-180,180].
func (p Point) Valid() bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// BoundingBox is the axis-aligned box of a decoded geohash prefix.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() Point {
	return Point{
		Latitude:  (b.MinLat + b.MaxLat) / 2,
		Longitude: (b.MinLon + b.MaxLon) / 2,
	}
}

// Contains reports whether p falls inside the box (inclusive).
func (b BoundingBox) Contains(p Point) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
}

// Encode returns the geohash of p at the given precision (string length).
func Encode(p Point, precision int) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("%w: point %s out of range", ErrInvalidArgument, p)
	}
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: precision %d (must be 1..%d)", ErrInvalidArgument, precision, MaxPrecision)
	}

	var hash strings.Builder
	hash.Grow(precision)

	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0
	evenBit := true // longitude bit first

	bit := 0
	ch := 0
	for hash.Len() < precision {
		if evenBit {
			mid := (minLon + maxLon) / 2
			if p.Longitude >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if p.Latitude >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		evenBit = !evenBit
		bit++
		if bit == 5 {
			hash.WriteByte(Alphabet[ch])
			bit = 0
			ch = 0
		}
	}
	return hash.String(), nil
}

// DecodeBoundingBox returns the box of every point whose geohash starts
// with h. The box, not its center, is the decode truth: cells are lossy.
func DecodeBoundingBox(h string) (BoundingBox, error) {
	if h == "" {
		return BoundingBox{}, fmt.Errorf("%w: empty geohash", ErrInvalidArgument)
	}
	if len(h) > MaxPrecision {
		return BoundingBox{}, fmt.Errorf("%w: geohash %q longer than max precision %d", ErrInvalidArgument, h, MaxPrecision)
	}

	b := BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	evenBit := true
	for i := 0; i < len(h); i++ {
		idx, ok := symbolIndex[h[i]]
		if !ok {
			return BoundingBox{}, fmt.Errorf("%w: geohash %q has invalid symbol %q", ErrInvalidArgument, h, h[i])
		}
		for bit := 4; bit >= 0; bit-- {
			set := idx&(1<<bit) != 0
			if evenBit {
				mid := (b.MinLon + b.MaxLon) / 2
				if set {
					b.MinLon = mid
				} else {
					b.MaxLon = mid
				}
			} else {
				mid := (b.MinLat + b.MaxLat) / 2
				if set {
					b.MinLat = mid
				} else {
					b.MaxLat = mid
				}
			}
			evenBit = !evenBit
		}
	}
	return b, nil
}

// cellDegrees[p] holds the (lat, lon) span in degrees of a cell at
// precision p. 5p bits split ceil/floor between longitude and latitude,
// longitude first.
var cellDegrees = func() [MaxPrecision + 1][2]float64 {
	var t [MaxPrecision + 1][2]float64
	t[0] = [2]float64{180, 360}
	for p := 1; p <= MaxPrecision; p++ {
		bits := 5 * p
		lonBits := (bits + 1) / 2
		latBits := bits / 2
		t[p] = [2]float64{
			180 / math.Pow(2, float64(latBits)),
			360 / math.Pow(2, float64(lonBits)),
		}
	}
	return t
}()

// CellDims returns the dimensions of a precision-p cell in km, latitude
// first. The longitude dimension is at the equator; scale by cos(lat)
// for the width at a given latitude.
func CellDims(precision int) (latKm, lonKmEquator float64, err error) {
	if precision < 1 || precision > MaxPrecision {
		return 0, 0, fmt.Errorf("%w: precision %d (must be 1..%d)", ErrInvalidArgument, precision, MaxPrecision)
	}
	d := cellDegrees[precision]
	return d[0] * kmPerLatDegree, d[1] * kmPerLonDegree, nil
}

// CellDegreeSpans returns the (lat, lon) span in degrees of a precision-p
// cell. Precision must already be validated.
func CellDegreeSpans(precision int) (latDeg, lonDeg float64) {
	d := cellDegrees[precision]
	return d[0], d[1]
}

// Distance returns the exact great-circle distance between a and b in km.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
