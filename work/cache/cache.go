package cache

import (
	"sync/atomic"
	"time"
)

// Snapshot is a single-writer, many-reader holder for one station's lineup
// or guide. Readers always get the last published value without blocking:
// a refresh builds the replacement off to the side and publishes it with one
// atomic pointer swap. A failed refresh publishes nothing, so readers keep
// seeing the previous value; stale data beats no data for a DVR client
// mid-recording.
type Snapshot[T any] struct {
	ptr atomic.Pointer[entry[T]]
	ttl time.Duration
}

// entry pairs a published value with its fetch time for staleness checks
type entry[T any] struct {
	value   T
	fetched time.Time
}

// NewSnapshot creates an empty snapshot holder with the given TTL.
// Until the first Publish, Get reports no value and Stale reports true.
func NewSnapshot[T any](ttl time.Duration) *Snapshot[T] {
	return &Snapshot[T]{ttl: ttl}
}

// Get returns the current value, its fetch time, and whether anything has
// been published yet. Never blocks, never observes a partial value.
func (s *Snapshot[T]) Get() (T, time.Time, bool) {
	e := s.ptr.Load()
	if e == nil {
		var zero T
		return zero, time.Time{}, false
	}
	return e.value, e.fetched, true
}

// Value returns just the current value (zero value before first publish)
func (s *Snapshot[T]) Value() T {
	v, _, _ := s.Get()
	return v
}

// Publish atomically replaces the held value, stamping it with now
func (s *Snapshot[T]) Publish(v T) {
	s.ptr.Store(&entry[T]{value: v, fetched: time.Now()})
}

// Stale reports whether the held value is missing or older than the TTL.
// The refresh scheduler uses this; readers never do, they take whatever is
// published.
func (s *Snapshot[T]) Stale() bool {
	e := s.ptr.Load()
	if e == nil {
		return true
	}
	return time.Since(e.fetched) > s.ttl
}

// Age returns how long ago the current value was published, or zero when
// nothing has been published
func (s *Snapshot[T]) Age() time.Duration {
	e := s.ptr.Load()
	if e == nil {
		return 0
	}
	return time.Since(e.fetched)
}

// TTL returns the configured refresh interval
func (s *Snapshot[T]) TTL() time.Duration {
	return s.ttl
}
