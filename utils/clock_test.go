package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicWait(t *testing.T) {
	p := NewPeriodic(30 * time.Millisecond)
	start := time.Now()
	p.Wait()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestPeriodicChangeRate(t *testing.T) {
	p := NewPeriodic(10 * time.Second)
	p.ChangeRate(10 * time.Millisecond)
	start := time.Now()
	p.Wait()
	assert.Less(t, time.Since(start), time.Second, "new rate takes effect on next wait")
}

func TestPeriodicLateWakeDoesNotSleep(t *testing.T) {
	p := NewPeriodic(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	p.Wait()
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestPpsClamps(t *testing.T) {
	p := NewPps(100)
	assert.Equal(t, uint32(100), p.Rate())
	assert.Equal(t, uint32(100), p.Target())

	assert.Equal(t, uint32(100), p.ChangeBy(10), "cannot exceed target")
	assert.Equal(t, uint32(60), p.ChangeBy(-40))
	assert.Equal(t, uint32(1), p.ChangeBy(-1000), "cannot fall below one")
	assert.Equal(t, uint32(2), p.ChangeBy(1))
}

func TestStimer(t *testing.T) {
	var st Stimer
	st.Reset(20 * time.Millisecond)
	assert.False(t, st.Check())
	time.Sleep(30 * time.Millisecond)
	assert.True(t, st.Check())
	assert.False(t, st.Check(), "check re-anchors")
}
