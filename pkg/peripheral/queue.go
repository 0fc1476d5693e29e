package peripheral

import "sync"

// queue is an unbounded FIFO of tasks drained by the server loop. Posting never blocks, so stack
// callbacks can post from any goroutine, including the loop itself.
type queue struct {
	lock  sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) post(task func()) {
	q.lock.Lock()
	q.tasks = append(q.tasks, task)
	q.lock.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain runs the tasks queued so far. Tasks posted while draining run on the next wake-up.
func (q *queue) drain() {
	q.lock.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.lock.Unlock()
	for _, task := range tasks {
		task()
	}
}

func (q *queue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.tasks)
}
