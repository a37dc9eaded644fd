package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/nhle/flow/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with the schema applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	s := store.NewSQLiteStore(":memory:", opts...)
	if err := s.EnsureSchema(t.Context()); err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// StepClock is a deterministic store.Clock that advances by one second on
// every call, starting at a fixed instant.
type StepClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepClock returns a clock starting at 2025-01-01T00:00:00Z.
func NewStepClock() *StepClock {
	return &StepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current instant and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now
	c.now = c.now.Add(time.Second)
	return now
}
