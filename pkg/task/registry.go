package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTaskConflict is returned when a task is registered while another
// task with the same identifier is still running.
var ErrTaskConflict = errors.New("a task with the same identifier is already running")

// Handle is the type independent view of a Task.
type Handle interface {
	Name() string
	ID() string
	Progress() float64
	Cancel() bool
	IsCanceled() bool
	IsCompleted() bool
	Done() <-chan struct{}
}

var _ Handle = (*Task[int])(nil)

// Registry tracks running tasks by identifier.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Handle)}
}

// Register adds h to the registry. It fails with ErrTaskConflict if a
// task with the same identifier is running. The task is removed when it
// ends.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tasks[h.ID()]; ok && old != h {
		select {
		case <-old.Done():
		default:
			return fmt.Errorf("task %q (%s): %w", h.ID(), old.Name(), ErrTaskConflict)
		}
	}
	r.tasks[h.ID()] = h
	go func() {
		<-h.Done()
		r.mu.Lock()
		if r.tasks[h.ID()] == h {
			delete(r.tasks, h.ID())
		}
		r.mu.Unlock()
	}()
	return nil
}

// Reserve fails with ErrTaskConflict if a task with identifier id is
// running.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tasks[id]; ok {
		select {
		case <-old.Done():
		default:
			return fmt.Errorf("task %q (%s): %w", id, old.Name(), ErrTaskConflict)
		}
	}
	return nil
}

// Get returns the running task with identifier id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[id]
	return h, ok
}

// Cancel cancels the running task with identifier id. It returns false if
// no such task is running.
func (r *Registry) Cancel(id string) bool {
	h, ok := r.Get(id)
	if !ok {
		return false
	}
	return h.Cancel()
}

// List returns the running tasks sorted by identifier.
func (r *Registry) List() []Handle {
	r.mu.Lock()
	r2 := make([]Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		r2 = append(r2, h)
	}
	r.mu.Unlock()
	sort.Slice(r2, func(i, j int) bool { return r2[i].ID() < r2[j].ID() })
	return r2
}
