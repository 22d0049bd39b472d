// Package engine is the session layer of memscan: it runs value
// collection, scans and pointer searches against one target as tracked
// tasks and keeps the state that chains them together.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/metrics"
	"github.com/memscan/memscan/pkg/pointers"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
	"github.com/memscan/memscan/pkg/value"
)

// ErrNoSnapshot is returned by operations that need an active snapshot
// before one was collected.
var ErrNoSnapshot = errors.New("no active snapshot")

// Config provides the configuration to start a Session.
type Config struct {
	// Accessor gives access to the memory of the target.
	Accessor proc.Accessor
	// Settings are the user settings, defaults are used if nil.
	Settings *config.Config
	// Metrics receives observations of the session, may be nil.
	Metrics *metrics.Metrics
}

// Session holds the state of the analysis of one target: the active
// snapshot, the active constraint manager and the running tasks.
//
// Operations run as tasks on their own goroutines. Each finished
// collection or scan replaces the active snapshot, so that the next
// operation continues from its result.
type Session struct {
	acc      proc.Accessor
	settings *config.Config
	metrics  *metrics.Metrics
	tasks    *task.Registry
	log      *logrus.Entry

	mu          sync.Mutex
	active      *snapshot.Snapshot
	constraints *scan.ConstraintManager
}

// New returns a session for config.Accessor.
func New(cfg *Config) (*Session, error) {
	if cfg.Accessor == nil {
		return nil, errors.New("no target")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = &config.Config{}
	}
	dt, err := settings.ElementType()
	if err != nil {
		return nil, err
	}
	return &Session{
		acc:         cfg.Accessor,
		settings:    settings,
		metrics:     cfg.Metrics,
		tasks:       task.NewRegistry(),
		log:         logflags.EngineLogger().WithField("pid", cfg.Accessor.Pid()),
		constraints: scan.NewConstraintManager(dt),
	}, nil
}

// ActiveSnapshot returns the result of the last finished collection or
// scan, nil if there is none.
func (s *Session) ActiveSnapshot() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActiveSnapshot replaces the active snapshot; nil starts over.
func (s *Session) SetActiveSnapshot(snap *snapshot.Snapshot) {
	s.mu.Lock()
	s.active = snap
	s.mu.Unlock()
	if snap == nil {
		s.metrics.SetSnapshot(0, 0, 0)
		return
	}
	s.metrics.SetSnapshot(snap.RegionCount(), snap.ElementCount(), snap.ByteCount())
}

// Constraints returns the active constraint manager. Scans started
// without a manager use a copy of it.
func (s *Session) Constraints() *scan.ConstraintManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

// Cancel cancels the running task with identifier id.
func (s *Session) Cancel(id string) bool {
	return s.tasks.Cancel(id)
}

// Tasks returns the running tasks.
func (s *Session) Tasks() []task.Handle {
	return s.tasks.List()
}

// Task returns the running task with identifier id.
func (s *Session) Task(id string) (task.Handle, bool) {
	return s.tasks.Get(id)
}

// run registers t and starts work on it.
func run[T any](s *Session, t *task.Task[T], op string, work func(*task.Task[T]) (T, error)) error {
	if err := s.tasks.Register(t); err != nil {
		return err
	}
	s.metrics.TaskStarted()
	t.Go(func(t *task.Task[T]) (T, error) {
		defer s.metrics.TaskFinished()
		start := time.Now()
		res, err := work(t)
		if err == nil && t.IsCanceled() {
			err = task.ErrCanceled
		}
		s.metrics.Observe(op, start, err)
		if err != nil {
			s.log.WithError(err).Debugf("%s %s failed", op, t.ID())
		}
		return res, err
	})
	return nil
}

// CollectValues captures target memory. If previous is nil the mappings
// selected by the region filter are captured with the configured data
// type, otherwise previous is refreshed. The result becomes the active
// snapshot.
func (s *Session) CollectValues(previous *snapshot.Snapshot, taskID string) (*task.Task[*snapshot.Snapshot], error) {
	t := task.New[*snapshot.Snapshot]("collect values", taskID)
	if err := s.startCollect(t, previous); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) startCollect(t *task.Task[*snapshot.Snapshot], previous *snapshot.Snapshot) error {
	opts, err := s.settings.CollectOptions()
	if err != nil {
		return err
	}
	t.OnCompleted(s.SetActiveSnapshot)
	return run(s, t, metrics.OpCollect, func(t *task.Task[*snapshot.Snapshot]) (*snapshot.Snapshot, error) {
		return snapshot.Collect(t.Context(), s.acc, previous, opts, t)
	})
}

// Scan filters snap with the constraints of m. A nil snap scans the
// active snapshot, a nil m a copy of the active constraint manager. The
// result becomes the active snapshot.
func (s *Session) Scan(snap *snapshot.Snapshot, m *scan.ConstraintManager, taskID string) (*task.Task[*snapshot.Snapshot], error) {
	snap, m, err := s.scanInputs(snap, m)
	if err != nil {
		return nil, err
	}
	t := task.New[*snapshot.Snapshot]("scan", taskID)
	t.OnCompleted(s.SetActiveSnapshot)
	err = run(s, t, metrics.OpScan, func(t *task.Task[*snapshot.Snapshot]) (*snapshot.Snapshot, error) {
		return scan.Scanner{Workers: s.settings.Workers}.Scan(t.Context(), snap, m, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) scanInputs(snap *snapshot.Snapshot, m *scan.ConstraintManager) (*snapshot.Snapshot, *scan.ConstraintManager, error) {
	if snap == nil {
		snap = s.ActiveSnapshot()
		if snap == nil {
			return nil, nil, ErrNoSnapshot
		}
	}
	if m == nil {
		m = s.Constraints().Clone()
	}
	if m.ElementType() != snap.DataType() {
		return nil, nil, fmt.Errorf("constraints on %v, snapshot of %v: %w", m.ElementType(), snap.DataType(), scan.ErrInvalidElementType)
	}
	return snap, m, nil
}

// Chain is a collection followed by a scan of its result, sharing one
// task identifier. Group reports the combined progress.
type Chain struct {
	Group   *task.Group
	Collect *task.Task[*snapshot.Snapshot]
	Scan    *task.Task[*snapshot.Snapshot]
}

// Result returns the result of the scan.
func (c *Chain) Result() (*snapshot.Snapshot, error) {
	return c.Scan.Result()
}

// CollectAndScan refreshes the active snapshot, capturing the target if
// there is none, and scans the refreshed values with the constraints of
// m (a copy of the active manager if nil). Canceling the chain's
// identifier cancels whichever stage is running.
//
// When there is no active snapshot and m holds relative constraints the
// scan stage is skipped: the chain's result is the first capture, which
// the next call compares against.
func (s *Session) CollectAndScan(m *scan.ConstraintManager, taskID string) (*Chain, error) {
	collect := task.New[*snapshot.Snapshot]("collect values", taskID)
	taskID = collect.ID()
	if m == nil {
		m = s.Constraints().Clone()
	}
	previous := s.ActiveSnapshot()
	if previous != nil && m.ElementType() != previous.DataType() {
		return nil, fmt.Errorf("constraints on %v, snapshot of %v: %w", m.ElementType(), previous.DataType(), scan.ErrInvalidElementType)
	}

	c := &Chain{
		Group:   task.NewGroup(taskID, 1, 1),
		Collect: collect,
		Scan:    task.New[*snapshot.Snapshot]("scan", taskID),
	}
	c.Collect.SetStage(c.Group, 0)
	c.Scan.SetStage(c.Group, 1)
	if err := s.tasks.Reserve(taskID); err != nil {
		return nil, err
	}
	if err := s.startCollect(c.Collect, previous); err != nil {
		return nil, err
	}

	c.Scan.OnCompleted(s.SetActiveSnapshot)
	// the scan waits for the collection, then takes over its identifier
	c.Scan.Go(func(t *task.Task[*snapshot.Snapshot]) (*snapshot.Snapshot, error) {
		select {
		case <-c.Collect.Done():
		case <-t.Context().Done():
			c.Collect.Cancel()
			return nil, t.Context().Err()
		}
		snap, err := c.Collect.Result()
		if err != nil {
			return nil, err
		}
		if previous == nil && m.HasRelative() {
			// a first capture has no previous values to compare with, it
			// becomes the baseline of the next round
			s.log.Debugf("%s: first capture of %d elements kept as baseline", t.ID(), snap.ElementCount())
			return snap, nil
		}
		if err := s.tasks.Register(t); err != nil {
			return nil, err
		}
		s.metrics.TaskStarted()
		defer s.metrics.TaskFinished()
		start := time.Now()
		res, err := scan.Scanner{Workers: s.settings.Workers}.Scan(t.Context(), snap, m, t)
		s.metrics.Observe(metrics.OpScan, start, err)
		return res, err
	})
	return c, nil
}

// SearchPointers searches pointer paths leading to targets whose sources
// lie in bounds. A nil bounds captures the mappings selected by the region
// filter as pointer sized elements. Zero arguments take the configured
// values.
func (s *Session) SearchPointers(targets []uint64, bounds *snapshot.Snapshot, maxOffset uint64, pointerSize, maxDepth int, taskID string) (*task.Task[[]pointers.Path], error) {
	opts, err := s.settings.PointerOptions()
	if err != nil {
		return nil, err
	}
	if maxOffset != 0 {
		opts.MaxOffset = maxOffset
	}
	if pointerSize != 0 {
		opts.PointerSize = pointerSize
	}
	if maxDepth != 0 {
		opts.MaxDepth = maxDepth
	}
	if len(targets) == 0 {
		return nil, errors.New("no target address")
	}

	t := task.New[[]pointers.Path]("search pointers", taskID)
	err = run(s, t, metrics.OpPointerSearch, func(t *task.Task[[]pointers.Path]) ([]pointers.Path, error) {
		rep := task.Reporter(t)
		if bounds == nil {
			collectOpts, err := s.settings.CollectOptions()
			if err != nil {
				return nil, err
			}
			collectOpts.DataType = value.Uint64
			if opts.PointerSize == 4 {
				collectOpts.DataType = value.Uint32
			}
			collectOpts.Alignment = opts.PointerSize
			bounds, err = snapshot.Collect(t.Context(), s.acc, nil, collectOpts, task.Scaled(t, 0, 0.2))
			if err != nil {
				return nil, err
			}
			rep = task.Scaled(t, 0.2, 1)
		}
		paths, err := pointers.Search(t.Context(), targets, bounds, opts, rep)
		if err == nil {
			s.metrics.SetPointerPaths(len(paths))
		}
		return paths, err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RescanPointers keeps the paths that still lead to target.
func (s *Session) RescanPointers(paths []pointers.Path, target uint64, taskID string) (*task.Task[[]pointers.Path], error) {
	opts, err := s.settings.PointerOptions()
	if err != nil {
		return nil, err
	}
	t := task.New[[]pointers.Path]("rescan pointers", taskID)
	err = run(s, t, metrics.OpPointerRescan, func(t *task.Task[[]pointers.Path]) ([]pointers.Path, error) {
		kept, err := pointers.Rescan(t.Context(), s.acc, paths, target, opts.PointerSize, t)
		if err == nil {
			s.metrics.SetPointerPaths(len(kept))
		}
		return kept, err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// WriteValue writes v at addr in the target.
func (s *Session) WriteValue(addr uint64, v value.Value) error {
	return proc.WriteFull(s.acc, addr, v.Encode())
}

// ReadValue reads a value of type dt at addr.
func (s *Session) ReadValue(addr uint64, dt value.DataType) (value.Value, error) {
	buf := make([]byte, dt.Size())
	if err := proc.ReadFull(s.acc, buf, addr); err != nil {
		return value.Value{}, err
	}
	return value.Decode(dt, buf)
}
