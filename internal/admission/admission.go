// Package admission implements AeroDB's write-rate token bucket and
// concurrent-query cap (spec §4.6 "AdmissionController").
package admission

import (
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// Controller gates write throughput and concurrent query fan-out before
// an operation reaches the dispatcher.
type Controller struct {
	writeLimiter *rate.Limiter // nil means unlimited (max_writes_per_second == 0)

	maxConcurrentQueries int64
	activeQueries        atomic.Int64
}

// New builds a Controller. maxWritesPerSecond == 0 means writes are never
// rate-limited. Burst is one second of capacity, per spec §4.6.
func New(maxWritesPerSecond float64, maxConcurrentQueries int64) *Controller {
	c := &Controller{maxConcurrentQueries: maxConcurrentQueries}
	if maxWritesPerSecond > 0 {
		burst := int(maxWritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.writeLimiter = rate.NewLimiter(rate.Limit(maxWritesPerSecond), burst)
	}
	return c
}

// TryAcquireWrite attempts to take one token from the write bucket. A
// non-nil return is an AERO_ADMISSION_RATE_LIMITED error with which the
// caller should reject the write.
func (c *Controller) TryAcquireWrite() error {
	if c.writeLimiter == nil {
		return nil
	}
	if !c.writeLimiter.Allow() {
		return aeroerr.New(aeroerr.CodeAdmissionRateLimited, "write rate limit exceeded", aeroerr.SeverityWarning).Retryable("1s")
	}
	return nil
}

// QueryGuard is returned by AcquireQuery and releases the concurrent-query
// slot when the query completes.
type QueryGuard struct {
	c *Controller
}

// Release returns the query's slot to the pool. Safe to call once.
func (g *QueryGuard) Release() {
	if g == nil || g.c == nil {
		return
	}
	g.c.activeQueries.Add(-1)
}

// AcquireQuery reserves one of max_concurrent_queries slots using
// fetch-add with rollback on overcommit, per spec §4.6: "preferable to a
// CAS loop — bounded overcount is acceptable for a limit that exists to
// prevent OOM, not to be a hard barrier."
func (c *Controller) AcquireQuery() (*QueryGuard, error) {
	if c.maxConcurrentQueries <= 0 {
		return &QueryGuard{}, nil
	}
	n := c.activeQueries.Add(1)
	if n > c.maxConcurrentQueries {
		c.activeQueries.Add(-1)
		return nil, aeroerr.New(aeroerr.CodeAdmissionQueryLimit, "too many concurrent queries", aeroerr.SeverityWarning).Retryable("500ms")
	}
	return &QueryGuard{c: c}, nil
}

// ActiveQueries returns the current concurrent-query count, for status
// reporting.
func (c *Controller) ActiveQueries() int64 {
	return c.activeQueries.Load()
}
