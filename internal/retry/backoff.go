package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes base * 2^attempt plus random jitter, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the upper bound of the random extra delay as a fraction of
	// the exponential delay. Zero disables jitter.
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if b == nil || b.Base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base << uint(attempt)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		if b.rng == nil {
			b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		j := b.rng.Float64() * b.Jitter
		b.mu.Unlock()
		d += time.Duration(float64(d) * j)
	}
	return d
}
