package panel

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultPermits     = 4
	DefaultMinInterval = 50 * time.Millisecond
)

// Governor bounds concurrency and paces requests for one panel. The
// scheduler's list and the UI's lookups share it.
type Governor struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func NewGovernor(permits int, minInterval time.Duration) *Governor {
	if permits <= 0 {
		permits = DefaultPermits
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Governor{
		sem:     semaphore.NewWeighted(int64(permits)),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Acquire waits for a permit and the pacing slot. The returned func
// releases the permit. A nil Governor never blocks.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
