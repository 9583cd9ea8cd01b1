package chrono

import (
	"context"
	"sync"
	"time"
)

// Fake is a controllable TimeAPI for tests. Sleep returns immediately and
// advances the fake clock by the requested duration.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	slept   []time.Duration
}

func NewFake(start time.Time) *Fake {
	return &Fake{current: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
	f.slept = append(f.slept, d)
	return nil
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Slept returns every duration passed to Sleep, in order.
func (f *Fake) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}
