package order

import "context"

// Queue buffers intents for one dispatcher worker.
type Queue struct {
	ch chan Intent
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Intent, size)}
}

// TryEnqueue adds the intent unless the buffer is full.
func (q *Queue) TryEnqueue(in Intent) bool {
	select {
	case q.ch <- in:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes intents with a handler until the context is cancelled or the
// queue is closed.
func (q *Queue) Drain(ctx context.Context, handler func(Intent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-q.ch:
			if !ok {
				return
			}
			handler(in)
		}
	}
}
