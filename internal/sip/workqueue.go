package sip

import (
	"log/slog"
	"sync"
)

// workQueue is the bounded multi-producer multi-consumer queue backing
// every core (Registrar, B2BUA, Subscriber): a fixed-size job
// channel drained by a fixed pool of workers, each running one job to
// completion before dequeuing the next. Enqueue never blocks the caller —
// a full queue is reported immediately so the front door can respond with
// the appropriate overload status instead of piling up latency.
type workQueue struct {
	jobs   chan func()
	wg     sync.WaitGroup
	logger *slog.Logger
}

// newWorkQueue creates a queue with room for capacity pending jobs,
// serviced by workers goroutines.
func newWorkQueue(capacity, workers int, logger *slog.Logger) *workQueue {
	q := &workQueue{
		jobs:   make(chan func(), capacity),
		logger: logger,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.runWorker()
	}
	return q
}

func (q *workQueue) runWorker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.safeRun(job)
	}
}

// safeRun executes job under a recover guard so a panicking job can never
// take down the worker pool;, the caller has already committed to
// a response by the time a job runs, so there is nothing left to respond
// with here beyond logging — each core's per-request process step has its
// own recover that logs the panic and replies 500.
func (q *workQueue) safeRun(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker job panicked", "recovered", r)
		}
	}()
	job()
}

// TryEnqueue attempts to add job to the queue without blocking. Returns
// false if the queue is full.
func (q *workQueue) TryEnqueue(job func()) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the job channel and waits for every worker to drain.
func (q *workQueue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}

// Depth reports the number of jobs currently waiting in the queue, for
// metrics. It does not include jobs already picked up by a worker.
func (q *workQueue) Depth() int {
	return len(q.jobs)
}
