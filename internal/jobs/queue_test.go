package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsRegisteredHandler(t *testing.T) {
	done := make(chan Job, 1)

	q := NewQueue(4, 2, func(Job, error) {})
	q.Register("blueprint", func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	q.Start(context.Background())
	defer q.Drain()

	if err := q.Enqueue(Job{Name: "blueprint", ProjectID: "prj_1", Args: map[string]string{"query": "mug"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-done:
		if job.ProjectID != "prj_1" {
			t.Fatalf("project id = %q, want prj_1", job.ProjectID)
		}
		if job.Args["query"] != "mug" {
			t.Fatalf("args = %v", job.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
}

func TestQueueObserverSeesFailures(t *testing.T) {
	var mu sync.Mutex
	var observed []error

	q := NewQueue(4, 1, func(job Job, err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	})
	boom := errors.New("boom")
	q.Register("fail", func(ctx context.Context, job Job) error { return boom })
	q.Start(context.Background())

	if err := q.Enqueue(Job{Name: "fail"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(Job{Name: "unknown"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 {
		t.Fatalf("observed %d outcomes, want 2", len(observed))
	}
	if !errors.Is(observed[0], boom) {
		t.Fatalf("first outcome = %v, want boom", observed[0])
	}
	if observed[1] == nil {
		t.Fatal("unknown job name should produce an error")
	}
}

func TestQueueFullReturnsError(t *testing.T) {
	q := NewQueue(1, 1, func(Job, error) {})
	// Not started: nothing drains the buffer.
	if err := q.Enqueue(Job{Name: "a"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(Job{Name: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Enqueue err = %v, want ErrQueueFull", err)
	}
}

func TestQueueRejectsAfterDrain(t *testing.T) {
	q := NewQueue(4, 1, func(Job, error) {})
	q.Register("noop", func(ctx context.Context, job Job) error { return nil })
	q.Start(context.Background())
	q.Drain()

	if err := q.Enqueue(Job{Name: "noop"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Drain err = %v, want ErrQueueClosed", err)
	}
}

// Exercises concurrent Enqueue against Drain closing the channel. Run with
// the race detector; a send on the closed channel would panic here.
func TestQueueEnqueueDuringDrain(t *testing.T) {
	q := NewQueue(16, 2, func(Job, error) {})
	q.Register("noop", func(ctx context.Context, job Job) error { return nil })
	q.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := q.Enqueue(Job{Name: "noop"})
				if err != nil && !errors.Is(err, ErrQueueClosed) && !errors.Is(err, ErrQueueFull) {
					t.Errorf("Enqueue err = %v", err)
					return
				}
			}
		}()
	}
	q.Drain()
	wg.Wait()

	if err := q.Enqueue(Job{Name: "noop"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Drain err = %v, want ErrQueueClosed", err)
	}
}

func TestQueueRecoversFromPanic(t *testing.T) {
	var mu sync.Mutex
	var got error

	q := NewQueue(2, 1, func(job Job, err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})
	q.Register("panics", func(ctx context.Context, job Job) error { panic("kaboom") })
	q.Start(context.Background())

	if err := q.Enqueue(Job{Name: "panics"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("panic should surface to the observer as an error")
	}
}
