package controller

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"tfstun/buffer"
	"tfstun/config"
)

// dgramPair returns a connected pair of datagram sockets. They stand in for
// the tunnel's UDP socket, and in the end-to-end test for the TUN device
// too: both deliver exactly one packet per read.
func dgramPair(tb testing.TB) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testCfg(mtu int) *config.Tunnel {
	// a rate that works out to a 10000 pps target at mtu 1500
	return &config.Tunnel{MTU: mtu, Rate: 117440, AckIntervalMs: 1000, Port: "0"}
}

func newTestTunnel(tb testing.TB, mtu, fd, s int) *Tunnel {
	tb.Helper()
	t := NewTunnel(fd, s, nil, testCfg(mtu))
	t.sectimer.Reset(time.Second)
	return t
}

// ipv4Pkt builds a minimal IPv4-looking inner packet of n bytes whose
// header length field matches n.
func ipv4Pkt(tb testing.TB, n int) []byte {
	tb.Helper()
	require.GreaterOrEqual(tb, n, 20)
	p := make([]byte, n)
	p[0] = 0x45
	binary.BigEndian.PutUint16(p[2:4], uint16(n))
	for i := 20; i < n; i++ {
		p[i] = byte(i)
	}
	return p
}

// queueInner places an inner packet on the packetizer's input queue.
func queueInner(t *Tunnel, pkt []byte) {
	b := t.inFreeq.Pop()
	b.Grow(copy(b.Tail(), pkt))
	t.inQ.Push(b, false)
}

func pollIn(tb testing.TB, fd, waitMs int) int {
	tb.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, waitMs)
		if err == unix.EINTR {
			continue
		}
		require.NoError(tb, err)
		return n
	}
}

// recvFrame reads one datagram, failing the test after a timeout.
func recvFrame(tb testing.TB, fd int) []byte {
	tb.Helper()
	require.NotZero(tb, pollIn(tb, fd, 2000), "timed out waiting for a frame")
	buf := make([]byte, 1<<16)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	require.NoError(tb, err)
	return buf[:n]
}

// tryRecvFrame polls briefly and returns nil when nothing arrives.
func tryRecvFrame(tb testing.TB, fd int, waitMs int) []byte {
	tb.Helper()
	if pollIn(tb, fd, waitMs) == 0 {
		return nil
	}
	buf := make([]byte, 1<<16)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	require.NoError(tb, err)
	return buf[:n]
}

// feedFrame hands a raw outer frame to the reassembler the way the receive
// loop does, including the loop's own buf reference.
func feedFrame(t *Tunnel, m *buffer.IoMsg, frame []byte) *buffer.IoMsg {
	tbuf := t.outFreeq.Pop()
	tbuf.SetRef(1)
	tbuf.Grow(copy(tbuf.Tail(), frame))
	seq := binary.BigEndian.Uint32(frame[0:4])
	out := t.addToInnerPacket(tbuf, true, m, seq)
	tbuf.Deref(t.outFreeq)
	return out
}

// drainInner pops one reassembled packet and flattens it.
func drainInner(tb testing.TB, t *Tunnel) []byte {
	tb.Helper()
	require.NotZero(tb, t.iovQ.Depth(), "no reassembled packet queued")
	m := t.iovQ.Pop()
	var out []byte
	for _, v := range m.Iovecs() {
		out = append(out, v...)
	}
	t.iovFreeq.Push(m)
	return out
}
