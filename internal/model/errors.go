package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, feed and recompute packages.
var (
	// ErrNotFound: no series has been persisted yet; backfill first.
	ErrNotFound = errors.New("series not found")
	// ErrLockTimeout: the store lock could not be acquired in time.
	ErrLockTimeout = errors.New("store lock timeout")
	// ErrMalformedMessage: a stream payload could not be turned into a Bar.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMalformedSeries: persisted data is structurally invalid.
	ErrMalformedSeries = errors.New("malformed series")
	// ErrOutOfOrder: a bar would rewrite history before the last stored bar.
	ErrOutOfOrder = errors.New("out of order bar")
	// ErrStale: a bar is newer than the last stored bar but not its successor.
	ErrStale = errors.New("stale bar")
	// ErrUpstream matches every *UpstreamError via errors.Is.
	ErrUpstream = errors.New("upstream error")
)

// UpstreamError wraps a failed exchange call or stream.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstream) true for any UpstreamError.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
