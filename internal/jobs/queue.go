package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Job is one unit of background work. Args carry job-specific parameters.
type Job struct {
	Name           string
	ProjectID      string
	IdempotencyKey string
	RequestID      string
	Args           map[string]string
}

type Handler func(ctx context.Context, job Job) error

// ErrQueueFull is returned when the queue's buffer is exhausted. Callers
// surface it instead of blocking a request on background capacity.
var ErrQueueFull = errors.New("job queue is full")

var ErrQueueClosed = errors.New("job queue is closed")

// Observer sees the outcome of every processed job, success or failure.
type Observer func(job Job, err error)

// Queue is a bounded in-process worker pool with name-keyed handlers.
// Enqueue never blocks; a full buffer is an error the caller handles.
type Queue struct {
	handlers map[string]Handler
	jobs     chan Job
	workers  int
	observer Observer

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue(buffer, workers int, observer Observer) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if observer == nil {
		observer = func(job Job, err error) {
			if err != nil {
				log.Printf(`{"msg":"job failed","job":"%s","project_id":"%s","err":"%v"}`, job.Name, job.ProjectID, err)
			}
		}
	}
	return &Queue{
		handlers: map[string]Handler{},
		jobs:     make(chan Job, buffer),
		workers:  workers,
		observer: observer,
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (q *Queue) Register(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		panic("jobs: Register after Start")
	}
	q.handlers[name] = handler
}

// Start launches the worker pool. Workers run until ctx is canceled or the
// queue is drained.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					q.process(ctx, job)
				}
			}
		}()
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	handler, ok := q.handlers[job.Name]
	if !ok {
		q.observer(job, fmt.Errorf("no handler registered for job %q", job.Name))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.observer(job, fmt.Errorf("job panicked: %v", r))
		}
	}()
	q.observer(job, handler(ctx, job))
}

func (q *Queue) Enqueue(job Job) error {
	// The lock is held across the send so Drain cannot close the channel
	// between the closed check and the send. The send never blocks, so the
	// lock is held only briefly.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain stops accepting new jobs and waits for in-flight ones to finish.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}
