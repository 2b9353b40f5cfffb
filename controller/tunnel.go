package controller

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/buffer"
	"tfstun/config"
	"tfstun/utils"
)

const (
	outerQSize = 256
	innerQSize = 256
	maxBuf     = 8192 + 1024
	hdrSpace   = 24

	// smallest IP packet is a bare IPv4 header
	minInnerPkt = 20

	iovMax = 1024
)

// padBytes backs every pad iovec; the values on the wire are irrelevant.
var padBytes [maxBuf]byte

// avgWindow is how many ACKs the congestion controller averages over before
// it reacts.
const avgWindow = 5

// Tunnel is one tunnel instance: the ingress pipeline (interface reader +
// paced packetizer) and the egress pipeline (outer-frame reassembler +
// interface writer) over a single connected UDP socket and TUN device.
type Tunnel struct {
	fd int // TUN device
	s  int // UDP socket

	mtu         int
	txRate      uint64 // bits/s
	congestRate uint64 // bits/s, 0 disables the receive limiter
	ackInterval time.Duration

	pps      *utils.Pps
	avgPps   *utils.RunAvg
	avgDrops *utils.RunAvg

	// ingress
	inFreeq *buffer.Queue
	inQ     *buffer.Queue

	// egress
	outFreeq *buffer.Queue
	iovFreeq *buffer.IoMsgQueue
	iovQ     *buffer.IoMsgQueue

	guard *senderGuard

	// packetizer scratch, owned by the writeTfsPkts goroutine
	seq      uint32
	whdr     [hdrLen]byte
	wiov     net.Buffers
	wfree    []*buffer.Buf
	ebytes   []byte
	leftover *buffer.Buf
	tcount   uint
	ecount   uint
	sectimer utils.Stimer
}

// NewTunnel wires up the pools, queues and pacing state for one tunnel.
func NewTunnel(fd, s int, peer unix.Sockaddr, cfg *config.Tunnel) *Tunnel {
	t := &Tunnel{
		fd:          fd,
		s:           s,
		mtu:         cfg.MTU,
		txRate:      cfg.Rate * 1000,
		congestRate: cfg.CongestRate * 1000,
		ackInterval: time.Duration(cfg.AckIntervalMs) * time.Millisecond,
	}

	mtub := uint64(t.mtu-32) * 8
	pps := t.txRate / mtub
	if pps == 0 {
		pps = 1
	}
	t.pps = utils.NewPps(uint32(pps))
	t.avgPps = utils.NewRunAvg(avgWindow, 1)
	t.avgDrops = utils.NewRunAvg(avgWindow, 1)

	t.inFreeq = buffer.NewFreeQueue("TFS Ingress FreeQ", innerQSize, maxBuf, hdrSpace)
	t.inQ = buffer.NewQueue("TFS Ingress OutQ", innerQSize)

	t.outFreeq = buffer.NewFreeQueue("TFS Egress FreeQ", outerQSize, maxBuf, hdrSpace)
	maxiov := maxBuf/t.mtu + 2
	if maxiov > iovMax {
		maxiov = iovMax
	}
	t.iovFreeq = buffer.NewIoMsgFreeQueue("TFS IOV Egress FreeQ", outerQSize, maxiov, t.outFreeq)
	t.iovQ = buffer.NewIoMsgQueue("TFS Egress OutQ", outerQSize)

	niov := maxBuf/minInnerPkt + 2
	if niov > iovMax {
		niov = iovMax
	}
	t.wiov = make(net.Buffers, 0, niov)
	t.wfree = make([]*buffer.Buf, 0, niov)
	t.ebytes = make([]byte, t.mtu)
	t.seq = 1

	t.guard = newSenderGuard(peer)

	return t
}

// Start launches the four long-running tasks. Each owns its inputs; the only
// cross-task state is the queues, the pps interval and the AckInfo cell.
func (t *Tunnel) Start(wg *sync.WaitGroup) {
	utils.Logger.Info("tunnel starting",
		zap.Int("mtu", t.mtu),
		zap.Uint32("pps", t.pps.Rate()),
		zap.Uint64("mbps", uint64(t.pps.Rate())*uint64(t.mtu-32)*8/1000000))
	currentPps.Set(float64(t.pps.Rate()))

	for _, task := range []func(){
		t.readIntfPkts,
		t.writeTfsPkts,
		t.readTfsPkts,
		t.writeIntfPkts,
	} {
		wg.Add(1)
		go func(task func()) {
			defer wg.Done()
			task()
		}(task)
	}
}
