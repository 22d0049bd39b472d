package task

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone[T any](t *testing.T, tk *Task[T]) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not end", tk.Name())
	}
}

func TestResultNotReady(t *testing.T) {
	release := make(chan struct{})
	tk := Start("wait", "", func(*Task[int]) (int, error) {
		<-release
		return 42, nil
	})
	if tk.ID() == "" {
		t.Fatal("expected a generated identifier")
	}
	if _, err := tk.Result(); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("expected ErrResultNotReady, got %v", err)
	}
	if tk.IsCompleted() {
		t.Fatal("task completed before its work returned")
	}
	close(release)
	waitDone(t, tk)
	res, err := tk.Result()
	if err != nil || res != 42 {
		t.Fatalf("Result() = %d, %v", res, err)
	}
	if tk.Progress() != 1 {
		t.Fatalf("completed task progress %g", tk.Progress())
	}
}

func TestCancelNeverCompletes(t *testing.T) {
	started := make(chan struct{})
	var called atomic.Bool
	tk := New[string]("cancel", "c1")
	tk.OnCompleted(func(string) { called.Store(true) })
	tk.Go(func(tk *Task[string]) (string, error) {
		tk.UpdateProgress(0.5)
		close(started)
		<-tk.Context().Done()
		// the work ignores the cancellation and reports success
		return "done", nil
	})
	<-started
	if !tk.Cancel() {
		t.Fatal("Cancel returned false on a running task")
	}
	if tk.Progress() != 0 {
		t.Fatalf("progress after cancel %g", tk.Progress())
	}
	tk.UpdateProgress(0.9)
	if tk.Progress() != 0 {
		t.Fatalf("progress updated after cancel: %g", tk.Progress())
	}
	waitDone(t, tk)
	if tk.IsCompleted() || !tk.IsCanceled() {
		t.Fatalf("completed=%v canceled=%v", tk.IsCompleted(), tk.IsCanceled())
	}
	if called.Load() {
		t.Fatal("completion callback invoked for a canceled task")
	}
	if _, err := tk.Result(); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if tk.Cancel() {
		t.Fatal("Cancel returned true on an ended task")
	}
}

func TestWorkErrorCancels(t *testing.T) {
	errGone := errors.New("process gone")
	tk := Start("fail", "", func(*Task[int]) (int, error) {
		return 0, errGone
	})
	waitDone(t, tk)
	if !tk.IsCanceled() || tk.IsCompleted() {
		t.Fatalf("completed=%v canceled=%v", tk.IsCompleted(), tk.IsCanceled())
	}
	if !errors.Is(tk.Err(), errGone) {
		t.Fatalf("unexpected error %v", tk.Err())
	}
	tk2 := Start("ctx", "", func(tk *Task[int]) (int, error) {
		return 0, context.Canceled
	})
	waitDone(t, tk2)
	if !errors.Is(tk2.Err(), ErrCanceled) {
		t.Fatalf("context.Canceled not reported as ErrCanceled: %v", tk2.Err())
	}
}

func TestProgressMonotonic(t *testing.T) {
	var seen []float64
	tk := New[int]("progress", "")
	tk.OnProgress(func(p float64) { seen = append(seen, p) })
	done := make(chan struct{})
	tk.Go(func(tk *Task[int]) (int, error) {
		defer close(done)
		tk.UpdateProgress(-1)
		tk.UpdateProgress(0.25)
		tk.UpdateProgress(0.1)
		tk.UpdateProgress(math.NaN())
		tk.UpdateProgress(0.75)
		tk.UpdateProgress(3)
		return 0, nil
	})
	<-done
	waitDone(t, tk)
	want := []float64{0.25, 0.75, 1}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, expected %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, expected %v", seen, want)
		}
	}
}

func TestCancelDuringProgressUpdates(t *testing.T) {
	for i := 0; i < 200; i++ {
		tk := New[int]("updates", "")
		var notified atomic.Int64
		tk.OnProgress(func(float64) { notified.Add(1) })
		start := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-start
			for j := 1; j <= 100; j++ {
				tk.UpdateProgress(float64(j) / 100)
			}
		}()
		close(start)
		tk.Cancel()
		<-done
		if p := tk.Progress(); p != 0 {
			t.Fatalf("iteration %d: progress %v after cancel", i, p)
		}
		before := notified.Load()
		tk.UpdateProgress(1)
		if tk.Progress() != 0 || notified.Load() != before {
			t.Fatalf("iteration %d: canceled task accepted an update", i)
		}
	}
}

func TestOnCompletedAfterCompletion(t *testing.T) {
	tk := Start("late", "", func(*Task[int]) (int, error) { return 7, nil })
	waitDone(t, tk)
	var got int
	tk.OnCompleted(func(v int) { got = v })
	if got != 7 {
		t.Fatalf("late completion observer got %d", got)
	}
	if _, err := tk.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGroupProgress(t *testing.T) {
	g := NewGroup("chain", 1, 3)
	var last float64
	g.OnProgress(func(p float64) { last = p })

	first := New[int]("collect", g.ID()).SetStage(g, 0)
	first.Go(func(tk *Task[int]) (int, error) {
		tk.UpdateProgress(0.5)
		return 0, nil
	})
	waitDone(t, first)
	if p := g.Progress(); p != 0.25 {
		t.Fatalf("group progress after first stage %g", p)
	}

	second := New[int]("scan", g.ID()).SetStage(g, 1)
	second.Go(func(tk *Task[int]) (int, error) {
		tk.UpdateProgress(0.5)
		return 0, nil
	})
	waitDone(t, second)
	if p := g.Progress(); p != 1 || last != 1 {
		t.Fatalf("group progress after second stage %g (observer %g)", p, last)
	}
}

func TestRegistryConflict(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	a := New[int]("a", "same")
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	a.Go(func(*Task[int]) (int, error) {
		<-release
		return 1, nil
	})
	b := New[int]("b", "same")
	if err := r.Register(b); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict, got %v", err)
	}
	if err := r.Reserve("same"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict from Reserve, got %v", err)
	}
	if l := r.List(); len(l) != 1 || l[0] != Handle(a) {
		t.Fatalf("unexpected running tasks %v", l)
	}
	close(release)
	waitDone(t, a)
	if err := r.Register(b); err != nil {
		t.Fatalf("registering after the first task ended: %v", err)
	}
	if !r.Cancel("same") {
		t.Fatal("Cancel of a registered, unstarted task failed")
	}
}
