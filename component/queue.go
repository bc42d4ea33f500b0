package component

import (
	"sync"
)

// queuedTask pairs a task with the future its submitter holds.
type queuedTask struct {
	task   Task
	future *Future
}

// taskQueue is an unbounded FIFO safe for many producers and one consumer.
//
// All state, including the passive and stopped flags, is guarded by mu. The
// passive check-and-clear in push and the park in take happen under the same
// lock, so a producer can never observe "parked" before the consumer is
// actually waiting on the condition.
type taskQueue struct {
	mu      sync.Mutex
	wake    *sync.Cond
	items   []*queuedTask
	passive bool
	stopped bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.wake = sync.NewCond(&q.mu)
	return q
}

// push appends t unless the queue was stopped. It returns the queue depth
// after the push and whether a parked consumer was woken.
func (q *taskQueue) push(t *queuedTask) (depth int, woke bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return len(q.items), false, false
	}

	q.items = append(q.items, t)
	if q.passive {
		q.passive = false
		q.wake.Signal()
		woke = true
	}
	return len(q.items), woke, true
}

// take blocks until at least one item is queued or the queue is stopped, then
// hands every pending item to the consumer in submission order.
func (q *taskQueue) take() (batch []*queuedTask, stopped bool, parked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Re-check on every wake: Cond.Wait may return spuriously.
	for len(q.items) == 0 && !q.stopped {
		q.passive = true
		parked = true
		q.wake.Wait()
	}
	q.passive = false

	batch = q.items
	q.items = nil
	return batch, q.stopped, parked
}

// stop seals the queue against new items and wakes a parked consumer.
// It reports whether this call performed the transition.
func (q *taskQueue) stop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}
	q.stopped = true
	if q.passive {
		q.passive = false
		q.wake.Signal()
	}
	return true
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *taskQueue) isPassive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.passive
}

func (q *taskQueue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
