package task

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProgressInterval is the minimum interval between two progress
// notifications sent by a Counter.
var ProgressInterval = 50 * time.Millisecond

// Counter counts finished units of work (regions, levels) and forwards
// the resulting fraction to a Reporter, at most once per ProgressInterval.
// It is safe for concurrent use by the workers of one operation.
type Counter struct {
	r       Reporter
	total   int64
	done    atomic.Int64
	limiter *rate.Limiter
}

// NewCounter returns a counter for total units of work reporting to r. A
// nil r discards progress.
func NewCounter(r Reporter, total int) *Counter {
	if r == nil {
		r = Discard
	}
	return &Counter{
		r:       r,
		total:   int64(total),
		limiter: rate.NewLimiter(rate.Every(ProgressInterval), 1),
	}
}

// Add marks n more units as finished.
func (c *Counter) Add(n int) {
	done := c.done.Add(int64(n))
	if c.total <= 0 {
		return
	}
	if done < c.total && !c.limiter.Allow() {
		return
	}
	c.r.UpdateProgress(float64(done) / float64(c.total))
}

// Done returns the number of finished units.
func (c *Counter) Done() int {
	return int(c.done.Load())
}

// Scaled returns a Reporter that maps [0, 1] into [from, to].
func Scaled(r Reporter, from, to float64) Reporter {
	if r == nil {
		return Discard
	}
	return scaled{r, from, to}
}

type scaled struct {
	r        Reporter
	from, to float64
}

func (s scaled) UpdateProgress(p float64) {
	s.r.UpdateProgress(s.from + p*(s.to-s.from))
}
