// Package system provides the wall clock used to stamp failure records.
package system

import "time"

// Clock implements crawler.Clock using time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock that always reports the same instant.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time {
	return f.At.UTC()
}
