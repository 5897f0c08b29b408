package signaling

import "sync"

// outFrame is an encoded event waiting to be written.
type outFrame struct {
	binary bool
	data   []byte
}

// sendQueue is a byte-bounded FIFO queue.
//
// It buffers outbound events so room transactions never block on a slow
// socket. A peer whose queue overflows is disconnected rather than silently
// losing events.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   []outFrame
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends f to the queue if it fits within the byte budget.
// It never blocks.
func (q *sendQueue) Enqueue(f outFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.maxBytes > 0 && q.curBytes+len(f.data) > q.maxBytes {
		return false
	}

	q.frames = append(q.frames, f)
	q.curBytes += len(f.data)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *sendQueue) Dequeue() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	q.frames[0] = outFrame{}
	q.frames = q.frames[1:]
	q.curBytes -= len(f.data)
	return f, true
}

// CloseAfterDrain stops accepting frames; frames already queued are still
// returned by Dequeue.
func (q *sendQueue) CloseAfterDrain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Close stops accepting frames and discards the ones still queued.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
