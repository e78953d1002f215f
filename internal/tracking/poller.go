// Package tracking keeps the AI generation job list fresh. The poller
// refetches faster while jobs are active and self-corrects its cadence
// so a slow fetch does not push the schedule back.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
)

// Polling cadence by aggregate job state.
const (
	IntervalActive = 5 * time.Second
	IntervalQueued = 10 * time.Second
	IntervalIdle   = 60 * time.Second
)

// Intervals holds the cadence settings; tests shrink them.
type Intervals struct {
	Active time.Duration
	Queued time.Duration
	Idle   time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Active: IntervalActive, Queued: IntervalQueued, Idle: IntervalIdle}
}

// For selects the polling interval for a job list: running jobs win
// over queued ones, and an idle list polls slowest.
func (iv Intervals) For(jobs []models.TrackingJob) time.Duration {
	queued := false
	for _, j := range jobs {
		if models.JobRunning(j.Status) {
			return iv.Active
		}
		if j.Status == models.JobStatusQueued {
			queued = true
		}
	}
	if queued {
		return iv.Queued
	}
	return iv.Idle
}

// IntervalFor selects the default-cadence interval for a job list.
func IntervalFor(jobs []models.TrackingJob) time.Duration {
	return DefaultIntervals().For(jobs)
}

// NextDelay computes how long to wait before the next fetch, given the
// selected interval and how much time already passed since the last
// fetch began. Never negative.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// FetchFunc produces the current job list.
type FetchFunc func(ctx context.Context) ([]models.TrackingJob, error)

// Poller runs FetchFunc on an adaptive cadence. A failed fetch keeps
// the last known job list and the loop going; cancelling the context
// stops the loop with no pending timer left behind.
type Poller struct {
	fetch     FetchFunc
	log       *logger.Logger
	intervals Intervals
	now       func() time.Time

	mu        sync.Mutex
	jobs      []models.TrackingJob
	lastFetch time.Time

	refresh chan struct{}
}

func NewPoller(fetch FetchFunc, log *logger.Logger) *Poller {
	return &Poller{
		fetch:     fetch,
		log:       log.With("component", "tracking-poller"),
		intervals: DefaultIntervals(),
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
	}
}

// WithIntervals overrides the cadence, for tests.
func (p *Poller) WithIntervals(iv Intervals) *Poller {
	p.intervals = iv
	return p
}

// Jobs returns a snapshot of the last fetched job list.
func (p *Poller) Jobs() []models.TrackingJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.TrackingJob, len(p.jobs))
	copy(out, p.jobs)
	return out
}

// Refresh requests an immediate fetch. The fetch resets the cadence
// baseline, so no duplicate automatic fetch stacks on top of it.
// Non-blocking; a refresh already pending is enough.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run fetches immediately, then keeps polling until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.doFetch(ctx)
	for {
		p.mu.Lock()
		interval := p.intervals.For(p.jobs)
		elapsed := p.now().Sub(p.lastFetch)
		p.mu.Unlock()

		timer := time.NewTimer(NextDelay(interval, elapsed))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refresh:
			timer.Stop()
			p.doFetch(ctx)
		case <-timer.C:
			p.doFetch(ctx)
		}
	}
}

func (p *Poller) doFetch(ctx context.Context) {
	started := p.now()
	jobs, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFetch = started
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("job fetch failed, keeping last known list", "error", err)
		}
		return
	}
	p.jobs = jobs
}
