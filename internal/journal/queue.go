package journal

import (
	"sync"
)

// entryQueue is a thread-safe ring buffer of journal entries that
// doubles its capacity when it reaches 70% full, so a slow flush never
// drops an update.
type entryQueue struct {
	mu       sync.Mutex
	buf      []entry
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	totalEnqueued int64
	totalDequeued int64
}

func newEntryQueue(initialCapacity int) *entryQueue {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &entryQueue{
		buf:      make([]entry, initialCapacity),
		capacity: initialCapacity,
	}
}

// push adds an entry, growing the buffer if at 70% capacity.
// Returns false if the queue is closed.
func (q *entryQueue) push(e entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = e
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalEnqueued++
	return true
}

// tryPop removes an entry without blocking. Returns false when empty.
func (q *entryQueue) tryPop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return entry{}, false
	}

	e := q.buf[q.head]
	q.buf[q.head] = entry{} // clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalDequeued++
	return e, true
}

// close marks the queue closed. After closing, push returns false;
// remaining entries may still be drained with tryPop.
func (q *entryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *entryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// grow doubles the capacity. Must be called with lock held.
func (q *entryQueue) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]entry, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}
