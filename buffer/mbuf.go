package buffer

import (
	"go.uber.org/atomic"
)

// Buf is a fixed-capacity byte region with reserved header room. The live
// payload is space[start:end]; space[:hdrspace] stays free so wire framing
// can be prepended without copying. The refcount lets several reassembled
// inner packets share one outer-frame buffer; the last Deref returns it to
// its free pool.
type Buf struct {
	space  []byte
	start  int
	end    int
	refcnt atomic.Int32
}

// NewBuf allocates a standalone Buf of max bytes with hdrspace header room.
func NewBuf(max, hdrspace int) *Buf {
	b := &Buf{space: make([]byte, max)}
	b.Reset(hdrspace)
	return b
}

// newBufAt wraps a Buf around an existing slab region.
func newBufAt(region []byte, hdrspace int) *Buf {
	b := &Buf{space: region}
	b.Reset(hdrspace)
	return b
}

// Reset empties the payload, leaving hdrspace bytes of header room.
// The buffer must be unreferenced.
func (b *Buf) Reset(hdrspace int) {
	if b.refcnt.Load() != 0 {
		panic("buffer: reset of referenced buf")
	}
	b.start = hdrspace
	b.end = hdrspace
}

// Len is the number of live payload bytes.
func (b *Buf) Len() int { return b.end - b.start }

// Avail is the tail room left for filling.
func (b *Buf) Avail() int { return len(b.space) - b.end }

// Bytes is the live payload, space[start:end].
func (b *Buf) Bytes() []byte { return b.space[b.start:b.end] }

// Tail is the writable region past the payload. Follow a fill with Grow.
func (b *Buf) Tail() []byte { return b.space[b.end:] }

// Grow extends the payload by n bytes just written into Tail.
func (b *Buf) Grow(n int) { b.end += n }

// Advance consumes n bytes from the front of the payload.
func (b *Buf) Advance(n int) { b.start += n }

// Consume drops the whole remaining payload.
func (b *Buf) Consume() { b.start = b.end }

// SetRef stores an absolute reference count.
func (b *Buf) SetRef(n int32) { b.refcnt.Store(n) }

// Ref takes an additional reference.
func (b *Buf) Ref() { b.refcnt.Inc() }

// Unref drops one reference and reports whether it was the last.
func (b *Buf) Unref() bool { return b.refcnt.Dec() == 0 }

// Deref drops one reference, returning the buf to freeq when it was the last.
func (b *Buf) Deref(freeq *Queue) {
	if b.Unref() {
		freeq.Push(b, true)
	}
}
