package debugger

import (
	"errors"
	"maps"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memscan/memscan/pkg/proc/memtest"
)

const (
	mainThread = 100
	trapPC     = 0x1010
	watchAddr  = 0x1040
)

type watch struct {
	addr uint64
	size int
	kind AccessKind
}

// fakeBackend is a target whose traps are injected by the test.
type fakeBackend struct {
	t    *testing.T
	caps Capabilities
	mem  *memtest.Process

	mu        sync.Mutex
	attached  bool
	running   bool
	slots     map[int]watch
	regs      map[string]uint64
	continues int

	traps chan Trap
}

func newFake(t *testing.T, readWatch bool) *fakeBackend {
	code := make([]byte, 0x100)
	for i := 0; i < 0x0e; i++ {
		code[i] = 0x90 // nop
	}
	code[0x0e], code[0x0f] = 0x89, 0x18 // mov dword ptr [rax], ebx
	return &fakeBackend{
		t:     t,
		caps:  Capabilities{Slots: 4, ReadWatch: readWatch, PtrSize: 8, PC: "rip"},
		mem:   memtest.New(mainThread).Map(0x1000, code),
		slots: make(map[int]watch),
		regs:  map[string]uint64{"rip": trapPC, "rax": watchAddr, "rbx": 42},
		traps: make(chan Trap, 16),
	}
}

func (f *fakeBackend) Attach(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = true
	f.running = false
	return nil
}

func (f *fakeBackend) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
	f.slots = make(map[int]watch)
	return nil
}

func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) stopped(what string) error {
	if f.running {
		f.t.Errorf("%s while the target is running", what)
		return errors.New("target running")
	}
	return nil
}

func (f *fakeBackend) SetWatchpoint(slot int, addr uint64, size int, kind AccessKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopped("SetWatchpoint"); err != nil {
		return err
	}
	f.slots[slot] = watch{addr, size, kind}
	return nil
}

func (f *fakeBackend) ClearWatchpoint(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopped("ClearWatchpoint"); err != nil {
		return err
	}
	delete(f.slots, slot)
	return nil
}

func (f *fakeBackend) Wait() (Trap, error) {
	trap := <-f.traps
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return trap, nil
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.traps <- Trap{ThreadID: mainThread}
	}
	return nil
}

func (f *fakeBackend) Continue() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached {
		return errors.New("not attached")
	}
	f.running = true
	f.continues++
	return nil
}

func (f *fakeBackend) MainThread() int { return mainThread }

func (f *fakeBackend) Registers(tid int) (Registers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopped("Registers"); err != nil {
		return Registers{}, err
	}
	return Registers{PC: f.regs["rip"], Values: maps.Clone(f.regs)}, nil
}

func (f *fakeBackend) SetRegister(tid int, name string, v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopped("SetRegister"); err != nil {
		return err
	}
	f.regs[name] = v
	return nil
}

func (f *fakeBackend) ReadMemory(buf []byte, addr uint64) (int, error) {
	return f.mem.ReadMemory(buf, addr)
}

func (f *fakeBackend) fire(slots ...int) {
	f.traps <- Trap{ThreadID: mainThread, Slots: slots}
}

func (f *fakeBackend) continueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.continues
}

func (f *fakeBackend) register(name string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[name]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func attach(t *testing.T, readWatch bool) (*Debugger, *fakeBackend) {
	t.Helper()
	f := newFake(t, readWatch)
	d := New(f)
	if err := d.SetTargetProcess(mainThread); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Detach() })
	return d, f
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a callback")
	}
	panic("unreachable")
}

func TestBreakpointSizes(t *testing.T) {
	if _, err := New(newFake(t, true)).FindWhatReads(watchAddr, 3, nil); !errors.Is(err, ErrUnsupportedBreakpointSize) {
		t.Fatalf("expected ErrUnsupportedBreakpointSize, got %v", err)
	}

	d, f := attach(t, true)
	var bps []*Breakpoint
	for _, size := range []int{1, 2, 4, 8} {
		bp, err := d.FindWhatWrites(watchAddr, size, nil)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		bps = append(bps, bp)
	}
	if _, err := d.FindWhatWrites(watchAddr, 3, nil); !errors.Is(err, ErrUnsupportedBreakpointSize) {
		t.Fatalf("expected ErrUnsupportedBreakpointSize, got %v", err)
	}
	if _, err := d.FindWhatWrites(watchAddr, 8, nil); !errors.Is(err, ErrBreakpointsExhausted) {
		t.Fatalf("expected ErrBreakpointsExhausted, got %v", err)
	}
	if _, err := d.FindWhatAccesses(watchAddr+2, 4, nil); !errors.Is(err, ErrUnalignedBreakpoint) {
		t.Fatalf("expected ErrUnalignedBreakpoint, got %v", err)
	}

	if err := bps[2].Cancel(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-bps[2].Done():
	default:
		t.Fatal("canceled breakpoint not done")
	}
	if _, err := d.FindWhatAccesses(watchAddr, 4, nil); err != nil {
		t.Fatalf("arming after Cancel: %v", err)
	}
	f.mu.Lock()
	armed := len(f.slots)
	f.mu.Unlock()
	if armed != 4 || len(d.Breakpoints()) != 4 {
		t.Fatalf("%d slots armed, %d breakpoints", armed, len(d.Breakpoints()))
	}
	if d.IsPaused() {
		t.Fatal("arming left the target paused")
	}
}

func TestAttachDenied(t *testing.T) {
	f := newFake(t, true)
	d := New(f)
	if _, err := d.FindWhatWrites(watchAddr, 4, nil); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	d.SetDebugRequestCallback(func(pid int) bool { return pid != 666 })
	if err := d.SetTargetProcess(666); !errors.Is(err, ErrAttachDenied) {
		t.Fatalf("expected ErrAttachDenied, got %v", err)
	}
	if d.State() != Detached || f.attached {
		t.Fatal("denied attach changed the state")
	}
	if err := d.SetTargetProcess(mainThread); err != nil {
		t.Fatal(err)
	}
	if d.State() != Attached || d.Pid() != mainThread {
		t.Fatalf("state %v pid %d", d.State(), d.Pid())
	}
	d.Detach()
}

func TestTrapCallback(t *testing.T) {
	d, f := attach(t, true)
	got := make(chan CodeTraceInfo, 1)
	bp, err := d.FindWhatWrites(watchAddr, 4, func(info CodeTraceInfo) { got <- info })
	if err != nil {
		t.Fatal(err)
	}
	n := f.continueCount()
	f.fire(bp.slot)
	info := receive(t, got)
	if info.Breakpoint != bp || info.AccessedAddress != watchAddr || info.InstructionPointer != trapPC || info.ThreadID != mainThread {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if info.Registers["rbx"] != 42 {
		t.Fatalf("unexpected registers %v", info.Registers)
	}
	if !strings.Contains(info.Instruction, "mov") {
		t.Fatalf("unexpected instruction %q", info.Instruction)
	}
	waitFor(t, "target to resume", func() bool { return f.continueCount() == n+1 })
	if bp.Hits() != 1 || d.IsPaused() {
		t.Fatalf("hits %d paused %v", bp.Hits(), d.IsPaused())
	}
	if err := d.WriteRegister("rax", 1); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
	if pc, err := d.ReadInstructionPointer(); err != nil || pc != trapPC {
		t.Fatalf("ReadInstructionPointer = %#x, %v", pc, err)
	}
}

func TestPauseInCallback(t *testing.T) {
	d, f := attach(t, true)
	done := make(chan struct{}, 1)
	bp, err := d.FindWhatAccesses(watchAddr, 8, func(info CodeTraceInfo) {
		if err := d.PauseExecution(); err != nil {
			t.Error(err)
		}
		if v, err := d.ReadRegister("rbx"); err != nil || v != 42 {
			t.Errorf("ReadRegister(rbx) = %d, %v", v, err)
		}
		if _, err := d.ReadRegister("xmm99"); !errors.Is(err, ErrUnknownRegister) {
			t.Errorf("expected ErrUnknownRegister, got %v", err)
		}
		done <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	n := f.continueCount()
	f.fire(bp.slot)
	receive(t, done)
	waitFor(t, "monitor to park", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.parked
	})
	if !d.IsPaused() || f.continueCount() != n {
		t.Fatalf("paused %v, %d resumes", d.IsPaused(), f.continueCount()-n)
	}
	if err := d.WriteRegister("rax", 7); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteInstructionPointer(0x2000); err != nil {
		t.Fatal(err)
	}
	if f.register("rax") != 7 || f.register("rip") != 0x2000 {
		t.Fatal("register writes not applied")
	}
	if err := d.ResumeExecution(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "target to resume", func() bool { return f.continueCount() == n+1 })
	if d.IsPaused() {
		t.Fatal("still paused after ResumeExecution")
	}
}

func TestPauseResume(t *testing.T) {
	d, f := attach(t, true)
	if err := d.PauseExecution(); err != nil {
		t.Fatal(err)
	}
	if !d.IsPaused() {
		t.Fatal("not paused")
	}
	if err := d.WriteRegister("rbx", 1); err != nil {
		t.Fatal(err)
	}
	// arming while paused does not resume the target
	n := f.continueCount()
	if _, err := d.FindWhatWrites(watchAddr, 4, nil); err != nil {
		t.Fatal(err)
	}
	if f.continueCount() != n || !d.IsPaused() {
		t.Fatal("arming resumed a paused target")
	}
	if err := d.ResumeExecution(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "target to resume", func() bool { return f.continueCount() == n+1 })
}

func TestReadWatchEmulation(t *testing.T) {
	d, f := attach(t, false)
	calls := make(chan struct{}, 4)
	bp, err := d.FindWhatReads(watchAddr, 4, func(CodeTraceInfo) { calls <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	w := f.slots[bp.slot]
	f.mu.Unlock()
	if w.kind != Access || w.addr != watchAddr || w.size != 4 {
		t.Fatalf("read watchpoint armed as %+v", w)
	}

	f.fire(bp.slot)
	receive(t, calls)

	// a trap changing the watched bytes is a write
	n := f.continueCount()
	f.mem.PutUint32(watchAddr, 5)
	f.fire(bp.slot)
	waitFor(t, "target to resume", func() bool { return f.continueCount() == n+1 })
	if len(calls) != 0 || bp.Hits() != 1 {
		t.Fatalf("write reported as a read (hits %d)", bp.Hits())
	}

	f.fire(bp.slot)
	receive(t, calls)
	if bp.Hits() != 2 {
		t.Fatalf("hits %d", bp.Hits())
	}
}

func TestOverlappingCallbacksSerialized(t *testing.T) {
	d, f := attach(t, true)
	var inside, maxInside atomic.Int32
	calls := make(chan int, 2)
	cb := func(info CodeTraceInfo) {
		n := inside.Add(1)
		if n > maxInside.Load() {
			maxInside.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		inside.Add(-1)
		calls <- info.Breakpoint.ID
	}
	bp1, err := d.FindWhatWrites(watchAddr, 8, cb)
	if err != nil {
		t.Fatal(err)
	}
	bp2, err := d.FindWhatAccesses(watchAddr+4, 4, cb)
	if err != nil {
		t.Fatal(err)
	}
	f.fire(bp1.slot, bp2.slot)
	first, second := receive(t, calls), receive(t, calls)
	if first != bp1.ID || second != bp2.ID {
		t.Fatalf("callbacks ran in order %d, %d", first, second)
	}
	if maxInside.Load() != 1 {
		t.Fatalf("%d callbacks ran concurrently", maxInside.Load())
	}
}

func TestDetachAndExit(t *testing.T) {
	d, f := attach(t, true)
	bp, err := d.FindWhatWrites(watchAddr, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Detach(); err != nil {
		t.Fatal(err)
	}
	receive(t, bp.Done())
	f.mu.Lock()
	armed, attached := len(f.slots), f.attached
	f.mu.Unlock()
	if armed != 0 || attached || d.State() != Detached || len(d.Breakpoints()) != 0 {
		t.Fatalf("detach left %d slots armed (attached %v, state %v)", armed, attached, d.State())
	}
	if err := bp.Cancel(); err != nil {
		t.Fatalf("Cancel after Detach: %v", err)
	}

	if err := d.SetTargetProcess(mainThread); err != nil {
		t.Fatal(err)
	}
	bp, err = d.FindWhatWrites(watchAddr, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.traps <- Trap{Exited: true}
	receive(t, bp.Done())
	waitFor(t, "detached state", func() bool { return d.State() == Detached })
	if _, err := d.ReadRegister("rax"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

// monitors returns the number of running trap monitor goroutines.
func monitors() int {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	return strings.Count(string(buf), "(*Debugger).monitor(")
}

func TestReattachDuringCallback(t *testing.T) {
	before := monitors()
	d, f := attach(t, true)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	bp, err := d.FindWhatWrites(watchAddr, 4, func(CodeTraceInfo) {
		entered <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}
	f.fire(bp.slot)
	receive(t, entered)

	if err := d.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTargetProcess(mainThread); err != nil {
		t.Fatal(err)
	}
	n := f.continueCount()
	close(release)

	waitFor(t, "the first monitor to exit", func() bool { return monitors() <= before+1 })
	if got := f.continueCount(); got != n {
		t.Fatalf("the first monitor resumed the new target (%d continues, expected %d)", got, n)
	}
	if d.State() != Attached || d.IsPaused() {
		t.Fatalf("state %v paused %v", d.State(), d.IsPaused())
	}
}

func TestInstructionBefore(t *testing.T) {
	f := newFake(t, true)
	if s := instructionBefore(f.mem, trapPC, 8); !strings.HasPrefix(s, "mov") {
		t.Fatalf("unexpected instruction %q", s)
	}
	if s := instructionBefore(f.mem, 4, 8); s != "" {
		t.Fatalf("decoded %q below address 15", s)
	}
	if s := instructionBefore(f.mem, 0x9000, 8); s != "" {
		t.Fatalf("decoded %q from unmapped memory", s)
	}
}
