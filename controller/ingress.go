package controller

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/buffer"
	"tfstun/utils"
)

// readIntfPkts pulls one inner packet per read off the TUN device and queues
// it for the packetizer. Back-pressure is the free pool running dry.
func (t *Tunnel) readIntfPkts() {
	utils.Logger.Info("readIntfPkts: start")
	zeros := 0
	for {
		m := t.inFreeq.Pop()
		n, err := unix.Read(t.fd, m.Tail())
		if err != nil {
			utils.Logger.Warn("readIntfPkts: bad read", zap.Error(err))
			t.inFreeq.Push(m, true)
			continue
		}
		if n == 0 {
			zeros++
			t.inFreeq.Push(m, true)
			continue
		}

		m.Grow(n)
		innerRead.Inc()
		depth := t.inQ.Push(m, false)
		utils.Logger.Debug("readIntfPkts: queued",
			zap.Int("bytes", n),
			zap.Int("depth", depth),
			zap.Int("zeroReads", zeros))
		zeros = 0
	}
}

// writeTfsPkts emits exactly one outer frame per pps interval, data or not.
func (t *Tunnel) writeTfsPkts() {
	t.sectimer.Reset(time.Second)
	utils.Logger.Info("writeTfsPkts: start",
		zap.Uint32("pps", t.pps.Rate()))
	for {
		t.pps.Wait()
		t.writeTfsPkt()
	}
}

// writeEmptyTfsPkt sends a header-plus-pad frame so the pace (and the outer
// traffic shape) is kept even when there is nothing to carry.
func (t *Tunnel) writeEmptyTfsPkt() {
	putHeader(t.ebytes, t.seq, 0)
	n, err := unix.Write(t.s, t.ebytes)
	if err != nil || n != t.mtu {
		utils.Logger.Warn("writeEmptyTfsPkt: short write",
			zap.Int("n", n), zap.Error(err))
	}
	t.seq++
	framesSent.Inc()
	framesEmpty.Inc()
}

// writeTfsPkt builds and sends one outer frame: greedily concatenate queued
// inner packets after the 8-byte header, carrying any unfinished tail into
// the next frame as the leftover.
func (t *Tunnel) writeTfsPkt() {
	var m *buffer.Buf
	var offset uint16

	if t.leftover != nil {
		m = t.leftover
		t.leftover = nil
		offset = uint16(m.Len())
		utils.Logger.Debug("writeTfsPkt: leftover",
			zap.Uint32("seq", t.seq), zap.Uint16("offset", offset))
	} else {
		m = t.inQ.TryPop()
	}
	t.tcount++

	if !t.sectimer.Check() {
		if m == nil {
			t.ecount++
		}
	} else {
		utils.Logger.Info("writeTfsPkt: frame usage",
			zap.Uint("empty", t.ecount),
			zap.Uint("total", t.tcount),
			zap.Uint("used", t.tcount-t.ecount))
		t.ecount = 0
		t.tcount = 0
	}

	if m == nil {
		t.writeEmptyTfsPkt()
		return
	}

	putHeader(t.whdr[:], t.seq, offset)
	t.wiov = append(t.wiov[:0], t.whdr[:])
	t.wfree = t.wfree[:0]
	mtu := t.mtu - hdrLen

	for mtu > 0 {
		if mtu <= 6 || m == nil {
			// no room for another inner-packet length field, or no more
			// data; the rest of the frame is pad
			t.wiov = append(t.wiov, padBytes[:mtu])
			mtu = 0
			break
		}

		mlen := m.Len()
		if mlen > mtu {
			// partial fit; the rest rides in the next frame
			t.wiov = append(t.wiov, m.Bytes()[:mtu])
			m.Advance(mtu)
			t.leftover = m
			utils.Logger.Debug("writeTfsPkt: partial",
				zap.Uint32("seq", t.seq),
				zap.Int("carried", mtu),
				zap.Int("of", mlen))
			mtu = 0
			break
		}

		t.wiov = append(t.wiov, m.Bytes())
		t.wfree = append(t.wfree, m)
		m = nil
		mtu -= mlen

		if mtu > 6 {
			m = t.inQ.TryPop()
		}
	}

	total := 0
	for _, v := range t.wiov {
		total += len(v)
	}
	if total != t.mtu {
		utils.Logger.Panic("writeTfsPkt: frame length mismatch",
			zap.Int("total", total), zap.Int("mtu", t.mtu))
	}

	n, err := unix.Writev(t.s, t.wiov)
	t.seq++
	framesSent.Inc()
	if err != nil || n != t.mtu {
		utils.Logger.Warn("writeTfsPkt: short write",
			zap.Int("n", n), zap.Int("mtu", t.mtu), zap.Error(err))
		// the leftover cannot be resent later without reordering inside
		// the inner packet; abandon it
		if t.leftover != nil {
			t.wfree = append(t.wfree, t.leftover)
			t.leftover = nil
		}
	}

	for _, f := range t.wfree {
		t.inFreeq.Push(f, true)
	}
}
