// Package task implements trackable tasks: cancellable, progress reporting
// handles to work running on a background goroutine.
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/memscan/memscan/pkg/logflags"
)

var (
	// ErrResultNotReady is returned when the result of a task is requested
	// before the task completed.
	ErrResultNotReady = errors.New("task result not ready")
	// ErrCanceled is the error of a task that was canceled.
	ErrCanceled = errors.New("task canceled")
)

// Reporter receives the progress of a unit of work.
type Reporter interface {
	// UpdateProgress reports progress p, in [0, 1].
	UpdateProgress(p float64)
}

// Discard is a Reporter that ignores progress.
var Discard Reporter = discard{}

type discard struct{}

func (discard) UpdateProgress(float64) {}

// Task is a handle to a unit of work producing a result of type T.
//
// Progress is monotonic: decreasing updates are ignored, except that
// canceling the task resets it to zero. A task ends either completed,
// with a result, or canceled, with an error; never both.
type Task[T any] struct {
	name string
	id   string

	progress  atomic.Uint64 // math.Float64bits
	canceled  atomic.Bool
	completed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                 sync.Mutex
	started            bool
	finished           bool
	result             T
	err                error
	progressObservers  []func(float64)
	completedObservers []func(T)

	group *Group
	stage int

	log *logrus.Entry
}

// New returns a task that has not been started. An empty id is replaced by
// a random identifier.
func New[T any](name, id string) *Task[T] {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Task[T]{
		name:   name,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logflags.TaskLogger().WithFields(logrus.Fields{"task": name, "id": id}),
	}
}

// Start creates a task and runs work on a new goroutine.
func Start[T any](name, id string, work func(*Task[T]) (T, error)) *Task[T] {
	t := New[T](name, id)
	t.Go(work)
	return t
}

// SetStage attaches t to stage i of g, so that progress of t is also
// reported as progress of that stage. Must be called before Go.
func (t *Task[T]) SetStage(g *Group, i int) *Task[T] {
	t.group = g
	t.stage = i
	return t
}

// Go runs work on a new goroutine. It panics if the task was already
// started.
func (t *Task[T]) Go(work func(*Task[T]) (T, error)) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		panic(fmt.Sprintf("task %s (%s) started twice", t.name, t.id))
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		start := time.Now()
		t.log.Debug("started")
		res, err := work(t)
		t.finish(res, err)
		t.log.WithField("elapsed", time.Since(start)).Debugf("finished, completed=%v canceled=%v", t.IsCompleted(), t.IsCanceled())
	}()
}

func (t *Task[T]) finish(res T, err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if err == nil && t.canceled.Load() {
		err = ErrCanceled
	}
	var observers []func(T)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = ErrCanceled
		}
		t.err = err
		t.canceled.Store(true)
		t.log.WithError(err).Debug("canceled")
	} else {
		t.result = res
		t.completed.Store(true)
		observers = t.completedObservers
		t.completedObservers = nil
	}
	t.mu.Unlock()

	if err == nil {
		t.UpdateProgress(1)
	}
	// observers run before waiters are released
	for _, fn := range observers {
		fn(res)
	}
	t.cancel()
	close(t.done)
}

// Name returns the name of the task.
func (t *Task[T]) Name() string { return t.name }

// ID returns the identifier of the task.
func (t *Task[T]) ID() string { return t.id }

// Context returns a context that is canceled when the task is canceled or
// ends.
func (t *Task[T]) Context() context.Context { return t.ctx }

// Done returns a channel closed when the task ends.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Progress returns the last reported progress, in [0, 1].
func (t *Task[T]) Progress() float64 {
	return math.Float64frombits(t.progress.Load())
}

// UpdateProgress sets the progress of the task to p, clamped to [0, 1],
// and notifies observers. Updates lower than the current progress and
// updates to a canceled task are ignored.
func (t *Task[T]) UpdateProgress(p float64) {
	if t.canceled.Load() {
		return
	}
	if p < 0 || math.IsNaN(p) {
		p = 0
	} else if p > 1 {
		p = 1
	}
	for {
		old := t.progress.Load()
		if math.Float64frombits(old) >= p {
			return
		}
		if t.progress.CompareAndSwap(old, math.Float64bits(p)) {
			break
		}
	}
	// a Cancel between the first check and the swap must still leave
	// progress at zero
	if t.canceled.Load() {
		t.progress.Store(0)
		return
	}
	if t.group != nil {
		t.group.update(t.stage, p)
	}
	t.mu.Lock()
	observers := t.progressObservers
	t.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

// OnProgress registers fn to be called, on the goroutine running the task,
// every time progress increases.
func (t *Task[T]) OnProgress(fn func(float64)) {
	t.mu.Lock()
	t.progressObservers = append(t.progressObservers[:len(t.progressObservers):len(t.progressObservers)], fn)
	t.mu.Unlock()
}

// OnCompleted registers fn to be called once with the result when the task
// completes. If the task already completed fn is called immediately; if
// it is canceled fn is never called.
func (t *Task[T]) OnCompleted(fn func(T)) {
	t.mu.Lock()
	if !t.finished {
		t.completedObservers = append(t.completedObservers, fn)
		t.mu.Unlock()
		return
	}
	completed, res := t.completed.Load(), t.result
	t.mu.Unlock()
	if completed {
		fn(res)
	}
}

// Cancel requests cancellation of the task and resets its progress. It
// returns false if the task already ended.
func (t *Task[T]) Cancel() bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.canceled.Store(true)
	t.progress.Store(0)
	t.mu.Unlock()
	t.cancel()
	t.log.Debug("cancel requested")
	return true
}

// IsCanceled returns true if the task was canceled, or ended with an
// error.
func (t *Task[T]) IsCanceled() bool { return t.canceled.Load() }

// IsCompleted returns true if the task completed successfully.
func (t *Task[T]) IsCompleted() bool { return t.completed.Load() }

// Result returns the result of a completed task, ErrResultNotReady if the
// task is still running or the error that ended it.
func (t *Task[T]) Result() (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.completed.Load():
		return t.result, nil
	case t.finished:
		return zero, t.err
	}
	return zero, ErrResultNotReady
}

// Err returns the error that ended the task, nil while running or after
// successful completion.
func (t *Task[T]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task ends or ctx is done and returns its result.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
