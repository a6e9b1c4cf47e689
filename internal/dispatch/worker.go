// ABOUTME: Serial per-conversation worker with an unbounded FIFO queue
// ABOUTME: Halts on retry exhaustion and stays halted until resumed

package dispatch

import (
	"context"
	"sync"
)

// worker drains one conversation's outbound queue. Exactly one run loop
// exists per worker, so delivery within the conversation is serial by
// construction.
type worker struct {
	conversationID string
	coord          *Coordinator

	mu      sync.Mutex
	queue   []string // message IDs, FIFO
	paused  bool
	stopped bool
	wake    chan struct{} // 1-buffered nudge for the run loop

	ctx    context.Context
	cancel context.CancelFunc
}

func newWorker(c *Coordinator, conversationID string) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		conversationID: conversationID,
		coord:          c,
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (w *worker) enqueue(messageID string) {
	w.mu.Lock()
	w.queue = append(w.queue, messageID)
	w.mu.Unlock()
	w.nudge()
}

func (w *worker) halted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *worker) resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.nudge()
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	w.nudge()
}

func (w *worker) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		if w.paused || len(w.queue) == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		messageID := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		halt := w.coord.deliver(w.ctx, w.conversationID, messageID)
		if halt {
			w.mu.Lock()
			w.paused = true
			w.mu.Unlock()
		}
	}
}
