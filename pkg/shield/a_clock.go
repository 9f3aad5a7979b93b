package shield

import (
	"container/heap"
	"sync"

	"go.uber.org/atomic"
)

// clock is the process-wide version counter. Current() is an atomic load;
// NextWriteStamp() is a fetch-and-add. It also tracks the set of currently
// open start stamps so the trimmer can ask for MinOpen() without scanning
// every live transaction. The open-stamp heap is driven synchronously
// under a mutex rather than behind a dispatcher goroutine, since nothing
// here needs to block a reader waiting for a prior commit to become
// visible.
type clock struct {
	counter atomic.Uint64

	mu      sync.Mutex
	open    stampHeap
	pending map[uint64]int
}

func newClock() *clock {
	c := &clock{pending: make(map[uint64]int)}
	heap.Init(&c.open)
	return c
}

// Current returns the last write stamp handed out, or 0 if none has.
func (c *clock) Current() uint64 {
	return c.counter.Load()
}

// NextWriteStamp hands out the next write stamp. Write stamps start at 1
// so that 0 can serve as the "no lock held" sentinel throughout the
// participant implementations.
func (c *clock) NextWriteStamp() uint64 {
	return c.counter.Inc()
}

func (c *clock) registerOpen(stamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[stamp]; !ok {
		heap.Push(&c.open, stamp)
	}
	c.pending[stamp]++
}

func (c *clock) unregisterOpen(stamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[stamp]--
	for len(c.open) > 0 {
		lowest := c.open[0]
		if c.pending[lowest] > 0 {
			break
		}
		heap.Pop(&c.open)
		delete(c.pending, lowest)
	}
}

// MinOpen returns the smallest start stamp any live transaction might still
// observe, or Current() when no transaction is open. This is the boundary
// the trimmer must never prune past.
func (c *clock) MinOpen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.open) > 0 {
		return c.open[0]
	}
	return c.Current()
}

type stampHeap []uint64

func (h stampHeap) Len() int           { return len(h) }
func (h stampHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stampHeap) Push(x any)        { *h = append(*h, x.(uint64)) }
func (h *stampHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
