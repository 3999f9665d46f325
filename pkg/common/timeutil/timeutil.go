// Package timeutil provides an injectable clock so components that stamp
// records or measure elapsed time can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

// Real is a Provider backed by the system clock.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return Real{} }

// Mock is a Provider that always returns a fixed time. Useful in tests.
type Mock struct {
	CurrentTime time.Time
}

// Now returns the configured fixed time.
func (m *Mock) Now() time.Time { return m.CurrentTime }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }
