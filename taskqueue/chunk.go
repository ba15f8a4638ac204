package taskqueue

import (
	"sync"
)

// chunkSize is the number of closures per node of a closureList.
// 128 closures * 8 bytes + overhead = ~1KB per chunk.
const chunkSize = 128

type (
	// Closure is a zero-argument unit of work. Ownership passes to the queue
	// on submission, and to the consumer on removal.
	Closure func()

	// closureList is a chunked linked-list FIFO.
	//
	// Not thread-safe, the owning queue's mutex must be held.
	closureList struct { // betteralign:ignore
		head   *chunk
		tail   *chunk
		length int
	}

	// chunk is a fixed-size node, with read/write cursors for O(1) push/pop.
	chunk struct {
		tasks   [chunkSize]Closure
		next    *chunk
		readPos int
		pos     int
	}
)

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any retained closures, before pooling the chunk.
func returnChunk(c *chunk) {
	for i := c.readPos; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

func (x *closureList) push(task Closure) {
	if x.tail == nil {
		x.tail = newChunk()
		x.head = x.tail
	}
	if x.tail.pos == len(x.tail.tasks) {
		next := newChunk()
		x.tail.next = next
		x.tail = next
	}
	x.tail.tasks[x.tail.pos] = task
	x.tail.pos++
	x.length++
}

func (x *closureList) pop() (Closure, bool) {
	if x.length == 0 {
		return nil, false
	}

	if x.head.readPos >= x.head.pos {
		// exhausted, but length > 0 guarantees a next chunk
		old := x.head
		x.head = x.head.next
		returnChunk(old)
	}

	task := x.head.tasks[x.head.readPos]
	x.head.tasks[x.head.readPos] = nil
	x.head.readPos++
	x.length--

	if x.head.readPos >= x.head.pos {
		if x.head == x.tail {
			// only chunk, reuse it in place
			x.head.pos = 0
			x.head.readPos = 0
		} else {
			old := x.head
			x.head = x.head.next
			returnChunk(old)
		}
	}

	return task, true
}

func (x *closureList) len() int {
	return x.length
}

// clear drops every closure, returning all chunks to the pool.
func (x *closureList) clear() {
	for c := x.head; c != nil; {
		next := c.next
		returnChunk(c)
		c = next
	}
	*x = closureList{}
}
