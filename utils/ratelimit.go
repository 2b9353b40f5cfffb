package utils

import (
	"time"
)

// RateLimit bounds a byte rate over a sliding window of the last count
// packets. Used on the receive side to simulate congestion: packets that
// would push the window rate past the limit are reported as drops and do not
// count toward the window.
type RateLimit struct {
	rate     uint64 // bytes per second
	overhead uint
	count    uint
	totb     uint64
	ndrops   uint64
	pktidx   uint
	times    []time.Time
	sizes    []uint
}

// NewRateLimit creates a limiter for rate bits per second, with overhead
// bytes discounted from every packet and a count-packet history window.
func NewRateLimit(rate uint64, overhead, count uint) *RateLimit {
	return &RateLimit{
		rate:     rate / 8,
		overhead: overhead,
		count:    count,
		times:    make([]time.Time, count),
		sizes:    make([]uint, count),
	}
}

// Limit accounts an n-byte packet and reports whether it should be dropped.
func (rl *RateLimit) Limit(n uint) bool {
	if n > rl.overhead {
		n -= rl.overhead
	}

	i := rl.pktidx
	otime := rl.times[i]
	ntotb := rl.totb + uint64(n) - uint64(rl.sizes[i])

	var rate uint64
	now := time.Now()
	if !otime.IsZero() {
		delta := now.Sub(otime)
		if delta > 0 {
			rate = ntotb * uint64(time.Second) / uint64(delta)
		}
	}
	if rate > rl.rate {
		rl.ndrops++
		return true
	}
	rl.totb = ntotb
	rl.times[i] = now
	rl.sizes[i] = n
	rl.pktidx = (rl.pktidx + 1) % rl.count
	return false
}

// Drops returns how many packets the limiter has rejected.
func (rl *RateLimit) Drops() uint64 { return rl.ndrops }
