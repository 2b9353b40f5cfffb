package buffer

import (
	"net"
)

// headMax is how many leading bytes of an inner packet IoMsg keeps aside.
// Six bytes cover the length fields of both IPv4 and IPv6 headers, so a
// packet whose first fragment was too short to carry its own length can be
// resolved once more bytes arrive.
const headMax = 6

// IoMsg is a pre-allocated scatter/gather descriptor. Its entries point into
// outer-frame Bufs; each Add takes a reference on the backing buf so the
// frame cannot be reused until every inner packet built from it has been
// written out.
type IoMsg struct {
	iov    net.Buffers
	bufs   []*Buf
	length int
	left   int
	nhead  int
	head   [headMax]byte
	maxiov int
}

func newIoMsg(maxiov int) *IoMsg {
	return &IoMsg{
		iov:    make(net.Buffers, 0, maxiov),
		bufs:   make([]*Buf, 0, maxiov),
		maxiov: maxiov,
	}
}

// Add appends a view into b's payload and references b.
func (m *IoMsg) Add(b *Buf, p []byte) {
	if len(m.iov) == m.maxiov {
		panic("buffer: iovec overflow")
	}
	m.iov = append(m.iov, p)
	m.bufs = append(m.bufs, b)
	b.Ref()
	if m.nhead < headMax {
		m.nhead += copy(m.head[m.nhead:], p)
	}
	m.length += len(p)
}

// Iovecs is the scatter/gather list for writev.
func (m *IoMsg) Iovecs() net.Buffers { return m.iov }

// Len is the total byte length across all entries.
func (m *IoMsg) Len() int { return m.length }

// Head returns the first bytes of the packet collected so far, up to six.
func (m *IoMsg) Head() []byte { return m.head[:m.nhead] }

// Left returns the bytes still missing from the in-progress packet.
// Zero means not yet resolved (or complete).
func (m *IoMsg) Left() int { return m.left }

// SetLeft records how many bytes the packet still needs.
func (m *IoMsg) SetLeft(n int) { m.left = n }

// Release dereferences every backing buf, returning those that hit zero to
// freeq, and zeroes the descriptor.
func (m *IoMsg) Release(freeq *Queue) {
	for _, b := range m.bufs {
		b.Deref(freeq)
	}
	m.iov = m.iov[:0]
	m.bufs = m.bufs[:0]
	m.length = 0
	m.left = 0
	m.nhead = 0
}

// IoMsgQueue is the IoMsg counterpart of Queue. A free IoMsgQueue is bound
// to a backing Buf free pool: pushing releases the descriptor's references
// into that pool before it is requeued.
type IoMsgQueue struct {
	name  string
	ch    chan *IoMsg
	freeq *Queue
}

// NewIoMsgQueue creates an empty descriptor queue.
func NewIoMsgQueue(name string, size int) *IoMsgQueue {
	return &IoMsgQueue{name: name, ch: make(chan *IoMsg, size)}
}

// NewIoMsgFreeQueue creates a descriptor free pool of size entries, each with
// room for maxiov segments, releasing backing bufs into freeq.
func NewIoMsgFreeQueue(name string, size, maxiov int, freeq *Queue) *IoMsgQueue {
	q := NewIoMsgQueue(name, size)
	q.freeq = freeq
	for i := 0; i < size; i++ {
		q.ch <- newIoMsg(maxiov)
	}
	return q
}

// Name returns the queue's name.
func (q *IoMsgQueue) Name() string { return q.name }

// Pop blocks until a descriptor is available.
func (q *IoMsgQueue) Pop() *IoMsg { return <-q.ch }

// Push blocks while full. On a free queue the descriptor is released first.
// Returns the new depth.
func (q *IoMsgQueue) Push(m *IoMsg) int {
	if q.freeq != nil {
		m.Release(q.freeq)
	}
	q.ch <- m
	return len(q.ch)
}

// Depth is the current number of queued descriptors.
func (q *IoMsgQueue) Depth() int { return len(q.ch) }
