// Package ident provides identifier, clock and content-hash services.
// Everything that depends on time takes a Clock so tests stay deterministic.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new time-ordered 128-bit identifier. UUIDv7 keeps inserts
// roughly append-ordered in the store.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is exhausted; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// ContentHash returns the lowercase hex SHA-256 digest of the document bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clock abstracts wall and monotonic time.
type Clock interface {
	Now() time.Time
	Monotonic() time.Duration
}

// SystemClock is the production clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a SystemClock anchored at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Time { return time.Now().UTC() }

func (c *SystemClock) Monotonic() time.Duration { return time.Since(c.start) }

// FakeClock is a manually advanced clock for deterministic tests.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
}

// NewFakeClock creates a FakeClock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, start: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}
