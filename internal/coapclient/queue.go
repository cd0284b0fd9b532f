package coapclient

// DefaultQueueCapacity is the maximum number of requests a Dispatcher holds
// while waiting for its next dispatch tick.
const DefaultQueueCapacity = 1000

// requestQueue is a fixed-capacity FIFO of pending entries.
// It is not safe for concurrent use; the Dispatcher guards it with its mutex.
type requestQueue struct {
	items    []entry
	head     int
	size     int
	capacity int
}

func newRequestQueue(capacity int) *requestQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &requestQueue{
		items:    make([]entry, capacity),
		capacity: capacity,
	}
}

// push appends e, returning false when the queue is full.
func (q *requestQueue) push(e entry) bool {
	if q.size == q.capacity {
		return false
	}
	q.items[(q.head+q.size)%q.capacity] = e
	q.size++
	return true
}

// pop removes and returns the oldest entry.
func (q *requestQueue) pop() (entry, bool) {
	if q.size == 0 {
		return entry{}, false
	}
	e := q.items[q.head]
	q.items[q.head] = entry{}
	q.head = (q.head + 1) % q.capacity
	q.size--
	return e, true
}

// drain removes every entry, oldest first.
func (q *requestQueue) drain() []entry {
	out := make([]entry, 0, q.size)
	for {
		e, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func (q *requestQueue) len() int {
	return q.size
}
