package controller

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/buffer"
	"tfstun/utils"
)

// sendAck drains the ACK accumulator and, when it has anything to report,
// emits one 20-byte ACK frame on the tunnel socket. ACK loss needs no
// handling: the next window's ACK carries fresh counts.
func (t *Tunnel) sendAck() {
	a := t.outFreeq.TakeAckInfo()
	if a.Start == 0 {
		// nothing to talk about
		return
	}

	ndrop := a.Ndrop
	if ndrop > maxNdrop {
		ndrop = maxNdrop
	}

	var b [ackLen]byte
	encodeAck(b[:], ndrop, uint32(time.Now().UnixMilli()), a.Start, a.Last)

	n, err := unix.Write(t.s, b[:])
	if err != nil || n != ackLen {
		utils.Logger.Warn("sendAck: short write", zap.Int("n", n), zap.Error(err))
		return
	}
	acksSent.Inc()
	utils.Logger.Debug("sendAck",
		zap.Uint32("ndrop", ndrop),
		zap.Uint32("start", a.Start),
		zap.Uint32("last", a.Last))
}

// recvAck consumes a peer ACK frame and adjusts the send pace: a clean
// averaging window ramps up by one frame per second, a degraded one backs
// off by the average drop count.
func (t *Tunnel) recvAck(m *buffer.Buf) {
	if m.Len() != ackLen {
		utils.Logger.Warn("recvAck: bad length", zap.Int("len", m.Len()))
		return
	}

	ack := decodeAck(m.Bytes())
	if ack.last < ack.start {
		utils.Logger.Warn("recvAck: bad sequence range",
			zap.Uint32("start", ack.start), zap.Uint32("last", ack.last))
		return
	}
	coverage := ack.last - ack.start
	acksReceived.Inc()

	t.avgPps.Add(uint(coverage))
	if !t.avgDrops.Add(uint(ack.ndrop)) {
		// wait for a full window before reacting
		utils.Logger.Info("recvAck: priming",
			zap.Uint32("ndrop", ack.ndrop),
			zap.Uint32("coverage", coverage))
		return
	}

	mtub := uint64(t.mtu-32) * 8
	if t.avgDrops.Average() == 0 {
		// not degraded, nudge the rate back up
		pps := t.pps.ChangeBy(1)
		utils.Logger.Info("recvAck: upgrading",
			zap.Uint32("ndrop", ack.ndrop),
			zap.Uint32("coverage", coverage),
			zap.Uint32("pps", pps),
			zap.Uint64("mbps", uint64(pps)*mtub/1000000))
	} else {
		cov := t.avgPps.Average()
		if cov == 0 {
			cov = 1
		}
		droppct := t.avgDrops.Average() * 100 / cov
		if droppct < 1 {
			droppct = 1
		}
		pps := t.pps.ChangeBy(-int64(t.avgDrops.Average()))
		utils.Logger.Info("recvAck: degraded, reducing",
			zap.Uint32("ndrop", ack.ndrop),
			zap.Uint("avgDrops", t.avgDrops.Average()),
			zap.Uint("dropPct", droppct),
			zap.Uint32("pps", pps),
			zap.Uint64("mbps", uint64(pps)*mtub/1000000))
	}
	currentPps.Set(float64(t.pps.Rate()))
}
