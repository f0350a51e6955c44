package tagging

import "sync"

// queue is a tiny cancellable FIFO. A plain channel can't serve here
// because cancelling a queued job requires removing it before the worker
// sees it.
type queue struct {
	mu     sync.Mutex
	items  []*job
	notify chan struct{} // Signal that new jobs are available
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// put appends a job and wakes the worker.
func (q *queue) put(j *job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
		// Already notified
	}
}

// pop removes and returns the oldest job, or nil when empty.
func (q *queue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j
}

// remove deletes a queued job by id. Reports whether it was found.
func (q *queue) remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.items {
		if j.ID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
