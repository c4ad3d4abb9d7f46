package taskqueue

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute

	minBackoff = time.Millisecond
)

// Backoff computes retry delays: min(Base*2^attempt, Max) plus up to
// Jitter*delay of random extra wait.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0,1). Tests replace it.
	rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Delay returns the wait before the retry that follows the given number of
// prior failed attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * b.rand())
	}
	if d < minBackoff {
		d = minBackoff
	}
	return d
}
