package query

import (
	"errors"
	"fmt"

	"github.com/sllopis/geoquery/cover"
)

// ErrSubscriptionTornDown marks the single terminal error a live
// subscription delivers when one of its sub-range streams fails. After
// it fires, the whole subscription is closed and silent.
var ErrSubscriptionTornDown = errors.New("subscription torn down")

// FanoutError carries the covering range whose store operation failed.
// The join fails as a whole; partial results are never returned.
type FanoutError struct {
	Range cover.Range
	Err   error
}

func (e *FanoutError) Error() string {
	return fmt.Sprintf("range [%s, %s]: %v", e.Range.Start, e.Range.End, e.Err)
}

func (e *FanoutError) Unwrap() error { return e.Err }
