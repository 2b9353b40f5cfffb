package utils

import (
	"time"

	"go.uber.org/atomic"
)

// Periodic is a monotonic-clock ticker whose interval can be changed from
// another goroutine while a waiter sleeps. Wait sleeps until one interval
// past the previous wake and re-anchors to now.
type Periodic struct {
	timestamp time.Time
	ival      atomic.Int64 // nanoseconds
}

func NewPeriodic(d time.Duration) *Periodic {
	p := &Periodic{timestamp: time.Now()}
	p.ival.Store(int64(d))
	return p
}

// Wait sleeps until the current interval has elapsed since the last wake.
// If the deadline already passed it returns immediately.
func (p *Periodic) Wait() {
	expire := p.timestamp.Add(time.Duration(p.ival.Load()))
	now := time.Now()
	if now.Before(expire) {
		time.Sleep(expire.Sub(now))
		now = time.Now()
	}
	p.timestamp = now
}

// ChangeRate atomically replaces the interval. Takes effect on the next Wait.
func (p *Periodic) ChangeRate(d time.Duration) {
	p.ival.Store(int64(d))
}

// Pps paces a sender at a packets-per-second rate. The target is the
// configured ceiling; the current rate moves within [1, target] as the
// congestion controller reacts to ACK feedback.
type Pps struct {
	periodic *Periodic
	pps      atomic.Uint32
	target   uint32
}

func NewPps(target uint32) *Pps {
	p := &Pps{
		periodic: NewPeriodic(time.Second / time.Duration(target)),
		target:   target,
	}
	p.pps.Store(target)
	return p
}

// Wait blocks until the next send slot.
func (p *Pps) Wait() { p.periodic.Wait() }

// Rate returns the current packets-per-second.
func (p *Pps) Rate() uint32 { return p.pps.Load() }

// Target returns the configured ceiling.
func (p *Pps) Target() uint32 { return p.target }

// ChangeBy adjusts the rate by delta, clamped to [1, target], and reprograms
// the ticker. Returns the new rate.
func (p *Pps) ChangeBy(delta int64) uint32 {
	oval := p.pps.Load()
	nval := int64(oval) + delta
	if nval > int64(p.target) {
		nval = int64(p.target)
	}
	if nval < 1 {
		nval = 1
	}
	if uint32(nval) != oval {
		p.pps.Store(uint32(nval))
		p.periodic.ChangeRate(time.Second / time.Duration(nval))
	}
	return uint32(nval)
}

// Stimer is a simple interval timer for "at most every N" checks.
type Stimer struct {
	ts time.Time
	d  time.Duration
}

// Reset anchors the timer to now with the given period.
func (t *Stimer) Reset(d time.Duration) {
	t.ts = time.Now()
	t.d = d
}

// Check reports whether the period has elapsed, re-anchoring to now if so.
func (t *Stimer) Check() bool {
	now := time.Now()
	if now.Sub(t.ts) <= t.d {
		return false
	}
	t.ts = now
	return true
}
