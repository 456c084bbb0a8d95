// Package queue implements component H: a FIFO job queue served by a
// fixed pool of long-lived worker goroutines, built on the same
// mutex-guarded worker model the teacher's task manager uses for its
// single current task, generalized to N concurrent workers with proper
// shutdown draining.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/errkind"
)

// ShutdownPollInterval is how often Shutdown logs a still-draining
// message while waiting for in-flight jobs to finish (§5, §8).
const ShutdownPollInterval = 10 * time.Second

// Job is one unit of work submitted to the queue.
type Job struct {
	ID  string
	Run func(ctx context.Context)
}

// Queue is a FIFO job queue with a fixed worker pool. Workers reference
// the queue; the queue never references its workers (§9: keeps ownership
// tree-shaped).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Job
	closed bool
	wg     sync.WaitGroup

	workers int
}

// New builds a Queue with the given number of workers. Call Start to
// launch them.
func New(workers int) *Queue {
	q := &Queue{workers: workers}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool. Calling it more than once is a
// programming error.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		job := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		job.Run(context.Background())
	}
}

// Submit appends a job to the tail of the FIFO. It fails once Shutdown
// has been called.
func (q *Queue) Submit(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errkind.New(errkind.Unavailable, "queue is shut down")
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

// Len reports how many jobs are currently queued (not counting ones a
// worker has already dequeued and is running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Shutdown stops accepting new jobs, lets every worker drain the
// remaining queue and in-flight job, then returns once all workers have
// exited. It logs a progress line every ShutdownPollInterval while
// waiting, and returns ctx's error if ctx is canceled first.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(ShutdownPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errkind.Wrap(errkind.Unavailable, ctx.Err(), "queue shutdown did not complete before context cancellation")
		case <-ticker.C:
			logrus.WithField("remaining", q.Len()).Debug("queue: still draining workers")
		}
	}
}
