package cache

import "errors"

var (
	// ErrBusy is returned by a BackingStore that cannot accept a request now.
	ErrBusy = errors.New("backing store busy")

	// ErrBackpressure reports that a request could not complete because the
	// backing store refused a sub-request. Nothing was lost; resubmit the same
	// request later.
	ErrBackpressure = errors.New("cache: request refused, retry later")

	// ErrLineCrossing reports a request whose bytes do not fit in one cache
	// line. The cache is left untouched.
	ErrLineCrossing = errors.New("cache: request crosses a line boundary")

	// ErrDependencyConflict reports an eviction blocked by a pending request
	// that needs the victim line to stay resident. No line was touched; retry
	// the request later.
	ErrDependencyConflict = errors.New("cache: eviction blocked by pending request")
)
