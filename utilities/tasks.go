package utilities

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Task is a handle on background work whose outcome a caller may await.
//
// Persistence in relaycache is fire-and-forget from the reconciler's point of
// view, but tests and shutdown paths need to know when a write has landed:
//
//	task := r.ApplyMessage(msg)
//	if err := task.Wait(ctx); err != nil { ... }
type Task struct {
	ID        string
	Name      string
	StartedAt time.Time

	done chan struct{}
	err  error
}

// ErrTimeout is returned when a task exceeds the tracker's timeout.
var ErrTimeout = errors.New("task timed out")

// Completed returns a task that is already finished with err.
func Completed(name string, err error) *Task {
	t := newTask(name)
	t.finish(err)
	return t
}

func newTask(name string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's error, or nil while it is still running.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker runs tasks one after another, in submission order, and keeps the
// unfinished ones so callers can drain them.
//
// Ordering matters for snapshot writes: a later save must never be
// overwritten by an earlier one that happened to finish last.
type Tracker struct {
	pending map[string]*Task
	last    *Task
	mu      sync.Mutex
	timeout time.Duration
}

// NewTracker creates a tracker. A zero timeout means tasks run unbounded.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		pending: make(map[string]*Task),
		timeout: timeout,
	}
}

// Go schedules fn after every previously scheduled task.
func (tr *Tracker) Go(name string, fn func(ctx context.Context) error) *Task {
	task := newTask(name)

	tr.mu.Lock()
	prev := tr.last
	tr.last = task
	tr.pending[task.ID] = task
	tr.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev.done
		}

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if tr.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, tr.timeout)
		}
		err := fn(ctx)
		if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrTimeout
		}
		cancel()

		if err != nil {
			logrus.Debugf("[tasks] %s (%s) failed: %v", task.Name, task.ID, err)
		}

		tr.mu.Lock()
		delete(tr.pending, task.ID)
		tr.mu.Unlock()
		task.finish(err)
	}()

	return task
}

// Pending returns the number of unfinished tasks.
func (tr *Tracker) Pending() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.pending)
}

// WaitAll blocks until every task scheduled so far has finished.
// It returns the errors of those tasks joined together.
func (tr *Tracker) WaitAll(ctx context.Context) error {
	tr.mu.Lock()
	tasks := make([]*Task, 0, len(tr.pending))
	for _, t := range tr.pending {
		tasks = append(tasks, t)
	}
	tr.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
