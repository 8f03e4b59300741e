package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound sends: a token bucket for the steady rate plus a hard
// minimum gap measured from the end of the previous send.
type Pacer struct {
	mu   sync.Mutex
	lim  *rate.Limiter
	gap  time.Duration
	last time.Time
}

func NewPacer(perSec float64, burst int, gap time.Duration) *Pacer {
	p := &Pacer{}
	p.Apply(perSec, burst, gap)
	return p
}

func (p *Pacer) Apply(perSec float64, burst int, gap time.Duration) {
	var lim *rate.Limiter
	if perSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	p.mu.Lock()
	p.lim = lim
	p.gap = gap
	p.mu.Unlock()
}

// Wait blocks until the next send may start.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	lim, gap, last := p.lim, p.gap, p.last
	p.mu.Unlock()

	if gap > 0 && !last.IsZero() {
		if d := time.Until(last.Add(gap)); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	if lim != nil {
		return lim.Wait(ctx)
	}
	return nil
}

// Done records the end of a send, successful or not.
func (p *Pacer) Done() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
}
