package monitor

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential from Initial, capped at Max,
// with jitter spreading each delay over [d/2, d].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Rand    func() float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if d > max {
		d = max
	}
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	half := d / 2
	return half + time.Duration(r()*float64(d-half))
}
