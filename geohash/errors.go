package geohash

import "errors"

// ErrInvalidArgument marks synchronous validation failures: out-of-range
// coordinates, bad precision, malformed geohash strings. Never retried.
var ErrInvalidArgument = errors.New("invalid argument")
