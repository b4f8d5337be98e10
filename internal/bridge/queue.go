package bridge

import "sync"

const (
	QueueSlots    = 10
	QueueSlotSize = 256
)

// OutboundQueue is a fixed ring of pre-encoded FromRadio frames. When full it
// drops the incoming frame and keeps what it already holds.
type OutboundQueue struct {
	mu    sync.Mutex
	slots [QueueSlots][QueueSlotSize]byte
	lens  [QueueSlots]int
	head  int
	count int
}

// Push copies frame into the next free slot. It reports false when the queue
// is full or the frame does not fit a slot.
func (q *OutboundQueue) Push(frame []byte) bool {
	if len(frame) == 0 || len(frame) > QueueSlotSize {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == QueueSlots {
		return false
	}
	tail := (q.head + q.count) % QueueSlots
	q.lens[tail] = copy(q.slots[tail][:], frame)
	q.count++

	return true
}

// Pop copies the oldest frame into dst and returns its length, or 0 when the
// queue is empty. A frame larger than dst stays queued.
func (q *OutboundQueue) Pop(dst []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return 0
	}
	n := q.lens[q.head]
	if n > len(dst) {
		return 0
	}
	copy(dst, q.slots[q.head][:n])
	q.lens[q.head] = 0
	q.head = (q.head + 1) % QueueSlots
	q.count--

	return n
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.count
}

func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.count = 0
	q.lens = [QueueSlots]int{}
}
