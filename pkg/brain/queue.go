package brain

import (
	"context"
	"sync"
)

// admissionQueue is the two-queue priority semaphore in front of the
// local model server. Chat-purpose tokens may run while
// inflight < maxConcurrency + chatExtraSlots; default tokens run only
// when the chat queue is empty and inflight < maxConcurrency. FIFO order
// holds within each queue and releases wake every waiter.
type admissionQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxConcurrency int
	chatExtraSlots int

	chatQueue    []*qtoken
	defaultQueue []*qtoken
	inflight     int
}

type qtoken struct {
	chat     bool
	canceled bool
}

func newAdmissionQueue(maxConcurrency, chatExtraSlots int) *admissionQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if chatExtraSlots < 0 {
		chatExtraSlots = 0
	}
	q := &admissionQueue{
		maxConcurrency: maxConcurrency,
		chatExtraSlots: chatExtraSlots,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// canRun is called with the lock held.
func (q *admissionQueue) canRun(t *qtoken) bool {
	if t.chat {
		if len(q.chatQueue) == 0 || q.chatQueue[0] != t {
			return false
		}
		return q.inflight < q.maxConcurrency+q.chatExtraSlots
	}
	if len(q.chatQueue) > 0 {
		return false
	}
	if len(q.defaultQueue) == 0 || q.defaultQueue[0] != t {
		return false
	}
	return q.inflight < q.maxConcurrency
}

// Acquire blocks until the admission rules let this token run or the
// context is canceled.
func (q *admissionQueue) Acquire(ctx context.Context, prioritizeChat bool) error {
	t := &qtoken{chat: prioritizeChat}

	// A cond var cannot select on ctx.Done; a watcher goroutine turns
	// cancellation into a broadcast instead.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		t.canceled = true
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	if prioritizeChat {
		q.chatQueue = append(q.chatQueue, t)
	} else {
		q.defaultQueue = append(q.defaultQueue, t)
	}

	for !q.canRun(t) {
		if t.canceled {
			q.remove(t)
			// Removing a queue head may unblock the next waiter.
			q.cond.Broadcast()
			return ctx.Err()
		}
		q.cond.Wait()
	}

	q.remove(t)
	q.inflight++
	// The new head of either queue may be admissible right away (extra
	// chat slots).
	q.cond.Broadcast()
	return nil
}

// Release frees a slot and wakes every waiter.
func (q *admissionQueue) Release() {
	q.mu.Lock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// remove is called with the lock held.
func (q *admissionQueue) remove(t *qtoken) {
	target := &q.defaultQueue
	if t.chat {
		target = &q.chatQueue
	}
	for i, cur := range *target {
		if cur == t {
			*target = append((*target)[:i], (*target)[i+1:]...)
			return
		}
	}
}
