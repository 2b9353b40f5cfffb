package controller

import (
	"encoding/binary"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/buffer"
	"tfstun/utils"
)

// resolveInnerLen derives the total length of an inner packet whose first
// fragment was too short to carry its own length field, combining the bytes
// already collected with the head of the next frame. The result discounts
// what the descriptor already holds.
func resolveInnerLen(m *buffer.IoMsg, tbuf *buffer.Buf) int {
	var hb [6]byte
	n := copy(hb[:], m.Head())
	n += copy(hb[n:], tbuf.Bytes())
	iplen := innerLen(hb[:n])
	if iplen <= 0 {
		utils.Logger.Panic("resolveInnerLen: fragment does not begin an IP packet",
			zap.Int("have", n))
	}
	left := iplen - m.Len()
	if left <= 0 {
		utils.Logger.Panic("resolveInnerLen: packet shorter than collected bytes",
			zap.Int("iplen", iplen), zap.Int("collected", m.Len()))
	}
	return left
}

// addToInnerPacket feeds one outer frame's payload into the in-progress
// inner packet m (nil or empty when none is in progress). Completed packets
// are queued for the interface writer; when data remains past a completed
// packet the function recurses to begin the next one. Returns the
// descriptor to carry into the next frame: the packet still in progress, an
// empty descriptor when the frame ended in pad or skipped data, or nil.
func (t *Tunnel) addToInnerPacket(tbuf *buffer.Buf, isNew bool, m *buffer.IoMsg, seq uint32) *buffer.IoMsg {
	if tbuf.Len() <= 0 {
		utils.Logger.Panic("addToInnerPacket: empty outer payload",
			zap.Bool("new", isNew), zap.Uint32("seq", seq))
	}

	offset := 0
	if isNew {
		offset = int(binary.BigEndian.Uint16(tbuf.Bytes()[6:8]))
		tbuf.Advance(hdrLen)
	}
	tlen := tbuf.Len()
	if tlen == 0 {
		// header-only frame: nothing to add, any packet stays in progress
		return m
	}

	if m == nil {
		m = t.iovFreeq.Pop()
	}

	if m.Len() == 0 {
		// starting a new inner packet
		if offset >= tlen {
			// the first boundary lies past this frame entirely: a
			// continuation of a packet we never saw the start of
			tbuf.Consume()
			return m
		}

		// skip the tail of the prior (lost) packet
		tbuf.Advance(offset)
		tlen -= offset

		iplen := innerLen(tbuf.Bytes())
		if iplen < 0 {
			utils.Logger.Debug("addToInnerPacket: pad",
				zap.Bool("new", isNew), zap.Int("tlen", tlen))
			tbuf.Consume()
			return m
		}
		if iplen == 0 {
			// too few bytes to read the length field; collect them and
			// resolve against the next frame
			utils.Logger.Debug("addToInnerPacket: short start",
				zap.Bool("new", isNew), zap.Int("tlen", tlen))
			m.Add(tbuf, tbuf.Bytes())
			tbuf.Consume()
			return m
		}
		utils.Logger.Debug("addToInnerPacket: start",
			zap.Bool("new", isNew), zap.Int("offset", offset), zap.Int("iplen", iplen))
		m.SetLeft(iplen)
	} else if offset > tlen {
		// mid-packet; the next boundary is in a later frame
		if m.Left() == 0 {
			m.SetLeft(resolveInnerLen(m, tbuf))
		}
		if m.Left() > tlen {
			utils.Logger.Debug("addToInnerPacket: more",
				zap.Int("offset", offset), zap.Int("left", m.Left()), zap.Int("tlen", tlen))
			m.Add(tbuf, tbuf.Bytes())
			m.SetLeft(m.Left() - tlen)
			tbuf.Consume()
			return m
		}

		// offset points into a later frame yet the packet completes in
		// this one; treat the slop after it as pad
		utils.Logger.Debug("addToInnerPacket: sloppy end",
			zap.Int("offset", offset), zap.Int("left", m.Left()), zap.Int("tlen", tlen))
		m.Add(tbuf, tbuf.Bytes()[:m.Left()])
		m.SetLeft(0)
		t.iovQ.Push(m)
		tbuf.Consume()
		return nil
	} else {
		// completing the in-progress packet inside this frame
		if m.Left() == 0 {
			m.SetLeft(resolveInnerLen(m, tbuf))
		}
		utils.Logger.Debug("addToInnerPacket: continued",
			zap.Int("offset", offset), zap.Int("left", m.Left()), zap.Int("tlen", tlen))
		if m.Left() != offset {
			utils.Logger.Panic("addToInnerPacket: boundary disagrees with remaining length",
				zap.Int("left", m.Left()), zap.Int("offset", offset))
		}
		tlen = offset
	}

	if m.Left() > tlen {
		utils.Logger.Debug("addToInnerPacket: more left",
			zap.Int("left", m.Left()), zap.Int("tlen", tlen))
		m.Add(tbuf, tbuf.Bytes()[:tlen])
		m.SetLeft(m.Left() - tlen)
		tbuf.Advance(tlen)
		return m
	}

	utils.Logger.Debug("addToInnerPacket: complete",
		zap.Int("left", m.Left()), zap.Int("tlen", tlen))
	m.Add(tbuf, tbuf.Bytes()[:m.Left()])
	tbuf.Advance(m.Left())
	m.SetLeft(0)
	t.iovQ.Push(m)

	if tbuf.Len() == 0 {
		return nil
	}
	return t.addToInnerPacket(tbuf, false, nil, seq)
}

// readTfsPkts receives outer frames, tracks the sequence for ACK reporting,
// and drives reassembly. ACKs ride the same socket and are dispatched to
// recvAck; the ACK interval timer is polled here so the whole egress side
// stays single-reader.
func (t *Tunnel) readTfsPkts() {
	var rl *utils.RateLimit
	if t.congestRate > 0 {
		rl = utils.NewRateLimit(t.congestRate, 0, 10)
	}

	var acktimer utils.Stimer
	acktimer.Reset(t.ackInterval)

	var m *buffer.IoMsg

	tbuf := t.outFreeq.Pop()
	tbuf.SetRef(1)

	utils.Logger.Info("readTfsPkts: start")
	for {
		if acktimer.Check() {
			t.sendAck()
		}

		// if no reassembled packet still references the buf, reset and
		// reuse it; otherwise it returns to the pool on the last deref
		if tbuf.Unref() {
			tbuf.Reset(hdrSpace)
		} else {
			tbuf = t.outFreeq.Pop()
		}
		tbuf.SetRef(1)

		n, from, err := unix.Recvfrom(t.s, tbuf.Tail(), 0)
		if err != nil {
			utils.Logger.Warn("readTfsPkts: recvfrom", zap.Error(err))
			continue
		}
		if !t.guard.Allow(from) {
			continue
		}
		if n == 0 {
			utils.Logger.Warn("readTfsPkts: zero-length read")
			continue
		}
		if n < hdrLen {
			utils.Logger.Warn("readTfsPkts: runt frame", zap.Int("len", n))
			t.addDrop("runt", 1)
			continue
		}
		if rl != nil && rl.Limit(uint(n)) {
			utils.Logger.Debug("readTfsPkts: congestion creation")
			t.addDrop("congestion", 1)
			continue
		}

		tbuf.Grow(n)
		word := binary.BigEndian.Uint32(tbuf.Bytes()[4:8])
		if word&frameTypeMask == frameAck {
			t.recvAck(tbuf)
			continue
		}
		if word&frameVersionMask != 0 {
			utils.Logger.Warn("readTfsPkts: invalid version, dropping")
			t.addDrop("version", 1)
			continue
		}

		seq := binary.BigEndian.Uint32(tbuf.Bytes()[0:4])
		dup := false
		var lost uint32
		t.outFreeq.UpdateAckInfo(func(a *buffer.AckInfo) {
			if a.Start == 0 {
				a.Start = seq
			}
			if seq <= a.Last {
				dup = true
				return
			}
			if seq != a.Last+1 && a.Last != 0 {
				lost = seq - (a.Last + 1)
				a.Ndrop += lost
			}
			a.Last = seq
		})
		if dup {
			utils.Logger.Warn("readTfsPkts: prev/dup seq", zap.Uint32("seq", seq))
			continue
		}
		if lost > 0 {
			utils.Logger.Debug("readTfsPkts: packet loss",
				zap.Uint32("ndrop", lost))
			recvDrops.WithLabelValues("gap").Add(float64(lost))
			// any in-progress reassembly now has a hole; discard it
			if m != nil {
				m.Release(t.outFreeq)
			}
		}

		m = t.addToInnerPacket(tbuf, true, m, seq)
	}
}

// addDrop records an egress drop both in the ACK accumulator and metrics.
func (t *Tunnel) addDrop(cause string, n uint32) {
	t.outFreeq.UpdateAckInfo(func(a *buffer.AckInfo) { a.Ndrop += n })
	recvDrops.WithLabelValues(cause).Add(float64(n))
}

// writeIntfPkts drains reassembled inner packets onto the TUN device with a
// single writev per packet, then recycles the descriptor (which releases
// the outer-frame bufs it references).
func (t *Tunnel) writeIntfPkts() {
	utils.Logger.Info("writeIntfPkts: start")
	for {
		m := t.iovQ.Pop()
		n, err := unix.Writev(t.fd, m.Iovecs())
		if err != nil || n != m.Len() {
			utils.Logger.Warn("writeIntfPkts: bad write",
				zap.Int("n", n), zap.Int("want", m.Len()), zap.Error(err))
		} else {
			innerDelivered.Inc()
			utils.Logger.Debug("writeIntfPkts: wrote", zap.Int("bytes", n))
		}
		t.iovFreeq.Push(m)
	}
}
