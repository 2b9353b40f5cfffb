package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeQueuePrepopulated(t *testing.T) {
	q := NewFreeQueue("free", 4, 256, 24)
	assert.Equal(t, 4, q.Depth())
	assert.Equal(t, 24, q.Hdrspace())

	for i := 0; i < 4; i++ {
		b := q.Pop()
		assert.Equal(t, 0, b.Len())
		assert.Equal(t, 256-24, b.Avail())
	}
	assert.Nil(t, q.TryPop())
}

func TestQueuePushResets(t *testing.T) {
	q := NewFreeQueue("free", 1, 64, 8)
	b := q.Pop()
	copy(b.Tail(), []byte("data"))
	b.Grow(4)
	b.Advance(1)

	q.Push(b, true)
	got := q.Pop()
	assert.Equal(t, 0, got.Len())
}

func TestQueueBlockingPop(t *testing.T) {
	q := NewQueue("q", 2)
	done := make(chan *Buf)
	go func() { done <- q.Pop() }()

	select {
	case <-done:
		t.Fatal("pop returned on empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	want := NewBuf(64, 8)
	q.Push(want, false)
	select {
	case got := <-done:
		assert.Same(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueueBlockingPush(t *testing.T) {
	q := NewQueue("q", 1)
	q.Push(NewBuf(64, 8), false)

	done := make(chan int)
	go func() { done <- q.Push(NewBuf(64, 8), false) }()

	select {
	case <-done:
		t.Fatal("push returned on full queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Pop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not wake")
	}
}

func TestQueueConcurrent(t *testing.T) {
	const n = 1000
	free := NewFreeQueue("free", 8, 64, 8)
	work := NewQueue("work", 8)

	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				b := free.Pop()
				work.Push(b, false)
			}
		}()
	}

	var got int
	var mu sync.Mutex
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if got == 2*n {
					mu.Unlock()
					return
				}
				got++
				mu.Unlock()
				b := work.Pop()
				free.Push(b, true)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, free.Depth()+work.Depth())
}

func TestAckInfoCell(t *testing.T) {
	q := NewQueue("q", 1)

	q.UpdateAckInfo(func(a *AckInfo) {
		a.Start = 5
		a.Last = 9
		a.Ndrop = 2
	})

	a := q.TakeAckInfo()
	require.Equal(t, AckInfo{Start: 5, Last: 9, Ndrop: 2}, a)
	assert.Equal(t, AckInfo{}, q.TakeAckInfo(), "take clears the cell")
}
