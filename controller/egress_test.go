package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendAndCollect runs inner packets through a real packetizer and returns
// the emitted outer frames.
func sendAndCollect(tb testing.TB, mtu int, pkts [][]byte, nframes int) [][]byte {
	tb.Helper()
	s0, s1 := dgramPair(tb)
	tun := newTestTunnel(tb, mtu, -1, s0)
	for _, p := range pkts {
		queueInner(tun, p)
	}
	frames := make([][]byte, 0, nframes)
	for i := 0; i < nframes; i++ {
		tun.writeTfsPkt()
		frames = append(frames, recvFrame(tb, s1))
	}
	return frames
}

func TestReassemblePassThrough(t *testing.T) {
	pkt := ipv4Pkt(t, 100)
	frames := sendAndCollect(t, 1500, [][]byte{pkt}, 1)

	tun := newTestTunnel(t, 1500, -1, -1)
	m := feedFrame(tun, nil, frames[0])
	assert.Equal(t, pkt, drainInner(t, tun))
	if m != nil {
		assert.Zero(t, m.Len(), "nothing in progress after a complete frame")
	}
}

func TestReassembleFragmented(t *testing.T) {
	pkt := ipv4Pkt(t, 200)
	frames := sendAndCollect(t, 100, [][]byte{pkt}, 3)

	tun := newTestTunnel(t, 100, -1, -1)
	var m = feedFrame(tun, nil, frames[0])
	require.Zero(t, tun.iovQ.Depth(), "packet incomplete after first frame")
	m = feedFrame(tun, m, frames[1])
	require.Zero(t, tun.iovQ.Depth())
	m = feedFrame(tun, m, frames[2])

	assert.Equal(t, pkt, drainInner(t, tun))
	// outer bufs all returned once the descriptor is recycled
	assert.Equal(t, outerQSize, tun.outFreeq.Depth())
}

func TestReassembleAggregated(t *testing.T) {
	p1 := ipv4Pkt(t, 100)
	p2 := ipv4Pkt(t, 64)
	p3 := ipv4Pkt(t, 333)
	frames := sendAndCollect(t, 1500, [][]byte{p1, p2, p3}, 1)

	tun := newTestTunnel(t, 1500, -1, -1)
	feedFrame(tun, nil, frames[0])
	require.Equal(t, 3, tun.iovQ.Depth())
	assert.Equal(t, p1, drainInner(t, tun))
	assert.Equal(t, p2, drainInner(t, tun))
	assert.Equal(t, p3, drainInner(t, tun))
}

func TestReassembleEmptyFrame(t *testing.T) {
	frames := sendAndCollect(t, 1500, nil, 1)

	tun := newTestTunnel(t, 1500, -1, -1)
	m := feedFrame(tun, nil, frames[0])
	assert.Zero(t, tun.iovQ.Depth())
	if m != nil {
		assert.Zero(t, m.Len())
	}
}

func TestReassembleContinuationOfLostStart(t *testing.T) {
	// only the middle fragment of a 200-byte packet arrives; its first
	// boundary lies beyond the frame so everything is skipped
	pkt := ipv4Pkt(t, 200)
	frames := sendAndCollect(t, 100, [][]byte{pkt}, 3)

	tun := newTestTunnel(t, 100, -1, -1)
	m := feedFrame(tun, nil, frames[1])
	assert.Zero(t, tun.iovQ.Depth())
	if m != nil {
		assert.Zero(t, m.Len())
	}
}

func TestReassembleLossOfMiddleFrame(t *testing.T) {
	big := ipv4Pkt(t, 2000)
	frames := sendAndCollect(t, 1000, [][]byte{big}, 3)
	require.Len(t, frames, 3)

	tun := newTestTunnel(t, 1000, -1, -1)
	m := feedFrame(tun, nil, frames[0])
	require.NotNil(t, m)
	require.NotZero(t, m.Len())

	// frame two is lost; the receive loop releases the in-progress packet
	m.Release(tun.outFreeq)

	// frame three: its leading continuation bytes are skipped via offset,
	// the rest is pad
	m = feedFrame(tun, m, frames[2])
	assert.Zero(t, tun.iovQ.Depth(), "the torn packet is not delivered")

	// the reassembler recovers on the next complete packet
	next := ipv4Pkt(t, 120)
	nf := sendAndCollect(t, 1000, [][]byte{next}, 1)
	feedFrame(tun, m, nf[0])
	assert.Equal(t, next, drainInner(t, tun))
}

func TestReassembleInterleavedStream(t *testing.T) {
	// a fragmented packet followed by small ones in the tail frame
	p1 := ipv4Pkt(t, 150)
	p2 := ipv4Pkt(t, 20)
	p3 := ipv4Pkt(t, 21)
	frames := sendAndCollect(t, 100, [][]byte{p1, p2, p3}, 3)

	tun := newTestTunnel(t, 100, -1, -1)
	var m = feedFrame(tun, nil, frames[0])
	m = feedFrame(tun, m, frames[1])
	m = feedFrame(tun, m, frames[2])

	assert.Equal(t, p1, drainInner(t, tun))
	assert.Equal(t, p2, drainInner(t, tun))
	assert.Equal(t, p3, drainInner(t, tun))
	_ = m
}
