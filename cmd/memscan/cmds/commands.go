package cmds

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/debugger"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/metrics"
	"github.com/memscan/memscan/pkg/pointers"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/proc/native"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
	"github.com/memscan/memscan/pkg/value"
	"github.com/memscan/memscan/pkg/version"
	"github.com/memscan/memscan/service/engine"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path where logs should go.
	logDest string
	// metricsAddr is the listen address of the metrics endpoint, disabled if empty.
	metricsAddr string

	// dataType overrides the element type of the configuration.
	dataType string
	// rounds is the number of scans performed by the scan command.
	rounds int
	// interval is the pause between two rounds.
	interval time.Duration
	// limit is the number of results printed.
	limit int

	maxDepth    int
	maxOffset   uint64
	pointerSize int

	watchSize  int
	watchKind  string
	watchCount int

	verbose bool

	conf *config.Config
)

const memscanCommandLongDesc = `Memscan inspects the memory of a running process.

It captures the memory of the process, narrows the captured values down with
successive scans, searches pointer paths leading to an address and reports the
instructions that access a watched address.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()
	conf.Apply()

	rootCommand := &cobra.Command{
		Use:           "memscan",
		Short:         "Memscan is a memory scanner for running processes.",
		Long:          memscanCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'memscan help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs.")

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:   "scan pid op [value]",
		Short: "Capture the memory of a process and filter its values.",
		Long: `Captures the writable memory of the process and keeps the values satisfying
the constraint. With --rounds greater than one the captured values are
refreshed and filtered again after each interval, which makes relative
constraints like 'changed' or 'increased' useful. With a relative constraint
the first round only captures the baseline the later rounds compare with.

Operators are ==, !=, >, <, >=, <=, changed, unchanged, increased, decreased,
increased-by and decreased-by.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: scanCmd,
	}
	addTypeFlag(scanCommand.Flags())
	scanCommand.Flags().IntVar(&rounds, "rounds", 1, "Number of scans.")
	scanCommand.Flags().DurationVar(&interval, "interval", time.Second, "Pause between two scans.")
	scanCommand.Flags().IntVar(&limit, "limit", 20, "Number of results printed.")
	rootCommand.AddCommand(scanCommand)

	// 'pointers' subcommand.
	pointersCommand := &cobra.Command{
		Use:   "pointers pid address",
		Short: "Search pointer paths leading to an address.",
		Long: `Captures the memory of the process and prints the chains of pointers that
lead to the address, shortest first. Paths starting in a mapped file survive
restarts of the process and are printed with the name of the file.`,
		Args: cobra.ExactArgs(2),
		RunE: pointersCmd,
	}
	pointersCommand.Flags().IntVar(&maxDepth, "depth", 0, "Largest number of dereferences, from the configuration if zero.")
	pointersCommand.Flags().Uint64Var(&maxOffset, "max-offset", 0, "Largest offset added after a dereference, from the configuration if zero.")
	pointersCommand.Flags().IntVar(&pointerSize, "pointer-size", 0, "Pointer size of the process, 4 or 8.")
	pointersCommand.Flags().IntVar(&limit, "limit", 20, "Number of paths printed.")
	rootCommand.AddCommand(pointersCommand)

	// 'watch' subcommand.
	watchCommand := &cobra.Command{
		Use:   "watch pid address",
		Short: "Report the instructions that access an address.",
		Long: `Attaches to the process and arms a hardware watchpoint on the address. Each
access is printed with the accessing instruction and the registers of the
thread. Stops after --count accesses or on interrupt.`,
		Args: cobra.ExactArgs(2),
		RunE: watchCmd,
	}
	watchCommand.Flags().IntVar(&watchSize, "size", 4, "Size of the watched range: 1, 2, 4 or 8.")
	watchCommand.Flags().StringVar(&watchKind, "kind", "write", "Accesses reported: read, write or access.")
	watchCommand.Flags().IntVar(&watchCount, "count", 0, "Stop after this many accesses, never if zero.")
	rootCommand.AddCommand(watchCommand)

	// 'read' subcommand.
	readCommand := &cobra.Command{
		Use:   "read pid address",
		Short: "Print the value at an address.",
		Args:  cobra.ExactArgs(2),
		RunE:  readCmd,
	}
	addTypeFlag(readCommand.Flags())
	rootCommand.AddCommand(readCommand)

	// 'write' subcommand.
	writeCommand := &cobra.Command{
		Use:   "write pid address value",
		Short: "Write a value at an address.",
		Args:  cobra.ExactArgs(3),
		RunE:  writeCmd,
	}
	addTypeFlag(writeCommand.Flags())
	rootCommand.AddCommand(writeCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Memscan\n%s\n", version.MemscanVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	snapshot	Memory capture
	scanner		Value scans
	pointers	Pointer searches
	debugger	Watchpoints and the tracing backend
	task		Task lifecycle
	engine		Session operations (default)
	all		Every component

Additionally --log-dest can be used to redirect the logs to a file.`,
	})

	return rootCommand
}

func addTypeFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&dataType, "type", "t", "", "Element type: i8, u8, i16, u16, i32, u32, i64, u64, f32, f64 or bytes:N; from the configuration if empty.")
}

// run sets up logging and the metrics endpoint, runs fn with a context
// canceled on interrupt and tears everything down.
func run(cmd *cobra.Command, fn func(ctx context.Context, m *metrics.Metrics) error) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()
	if dataType != "" {
		conf.DataType = dataType
	}

	var m *metrics.Metrics
	if metricsAddr != "" {
		m = metrics.New()
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("couldn't start metrics listener: %w", err)
		}
		srv := &http.Server{Handler: m.Handler()}
		go srv.Serve(ln)
		defer srv.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on http://%s/\n", ln.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, m)
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return pid, nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %s", s)
	}
	return addr, nil
}

func openSession(pid int, m *metrics.Metrics) (*engine.Session, error) {
	p, err := native.OpenProcess(pid)
	if err != nil {
		return nil, err
	}
	return engine.New(&engine.Config{Accessor: p, Settings: conf, Metrics: m})
}

// await waits for t, canceling it when ctx is done.
func await[T any](ctx context.Context, t *task.Task[T]) (T, error) {
	res, err := t.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		t.Cancel()
		<-t.Done()
		return t.Result()
	}
	return res, err
}

// parseConstraint builds a constraint manager from the operator and value
// arguments of the scan command.
func parseConstraint(dt value.DataType, args []string) (*scan.ConstraintManager, error) {
	kind, err := scan.ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	var v value.Value
	if kind.NeedsValue() {
		if len(args) < 2 {
			return nil, fmt.Errorf("constraint %v needs a value", kind)
		}
		v, err = value.Parse(dt, args[1])
		if err != nil {
			return nil, err
		}
	} else if len(args) > 1 {
		return nil, fmt.Errorf("constraint %v takes no value", kind)
	}
	m := scan.NewConstraintManager(dt)
	if err := m.AddConstraint(kind, v); err != nil {
		return nil, err
	}
	return m, nil
}

func scanCmd(cmd *cobra.Command, args []string) error {
	return run(cmd, func(ctx context.Context, m *metrics.Metrics) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		dt, err := conf.ElementType()
		if err != nil {
			return err
		}
		constraints, err := parseConstraint(dt, args[1:])
		if err != nil {
			return err
		}
		s, err := openSession(pid, m)
		if err != nil {
			return err
		}

		for i := 0; i < rounds; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
			baseline := s.ActiveSnapshot() == nil && constraints.HasRelative()
			chain, err := s.CollectAndScan(constraints, "scan")
			if err != nil {
				return err
			}
			snap, err := await(ctx, chain.Scan)
			if err != nil {
				return err
			}
			if baseline {
				fmt.Fprintf(cmd.OutOrStdout(), "round %d: baseline of %d values in %d regions\n", i+1, snap.ElementCount(), snap.RegionCount())
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "round %d: %d matches in %d regions\n", i+1, snap.ElementCount(), snap.RegionCount())
			if snap.ElementCount() == 0 {
				break
			}
		}
		printElements(cmd.OutOrStdout(), s.ActiveSnapshot(), limit)
		return nil
	})
}

func printElements(w io.Writer, snap *snapshot.Snapshot, limit int) {
	if snap == nil {
		return
	}
	n := min(snap.ElementCount(), limit)
	for i := 0; i < n; i++ {
		er, err := snap.ElementAt(i, 0)
		if err != nil {
			return
		}
		v, err := er.LoadCurrentValue(snap.DataType())
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%#x\t%v\n", er.BaseAddress(), v)
	}
	if rest := snap.ElementCount() - n; rest > 0 {
		fmt.Fprintf(w, "(%d more)\n", rest)
	}
}

func pointersCmd(cmd *cobra.Command, args []string) error {
	return run(cmd, func(ctx context.Context, m *metrics.Metrics) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		target, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		s, err := openSession(pid, m)
		if err != nil {
			return err
		}
		t, err := s.SearchPointers([]uint64{target}, nil, maxOffset, pointerSize, maxDepth, "pointers")
		if err != nil {
			return err
		}
		paths, err := await(ctx, t)
		if err != nil {
			return err
		}
		printPaths(cmd.OutOrStdout(), paths, limit)
		return nil
	})
}

func printPaths(w io.Writer, paths []pointers.Path, limit int) {
	fmt.Fprintf(w, "%d paths\n", len(paths))
	for i, p := range paths {
		if i == limit {
			fmt.Fprintf(w, "(%d more)\n", len(paths)-limit)
			return
		}
		fmt.Fprintln(w, p)
	}
}

func watchCmd(cmd *cobra.Command, args []string) error {
	return run(cmd, func(ctx context.Context, m *metrics.Metrics) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		addr, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		if _, err := native.OpenProcess(pid); err != nil {
			return err
		}

		d := debugger.New(native.NewBackend())
		if err := d.SetTargetProcess(pid); err != nil {
			return err
		}
		defer d.Detach()

		hits := make(chan debugger.CodeTraceInfo, 64)
		callback := func(info debugger.CodeTraceInfo) {
			m.WatchHit(info.Breakpoint.Kind.String())
			select {
			case hits <- info:
			default:
			}
		}
		var bp *debugger.Breakpoint
		switch watchKind {
		case "read":
			bp, err = d.FindWhatReads(addr, watchSize, callback)
		case "write":
			bp, err = d.FindWhatWrites(addr, watchSize, callback)
		case "access":
			bp, err = d.FindWhatAccesses(addr, watchSize, callback)
		default:
			err = fmt.Errorf("unknown access kind %q", watchKind)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%v armed, interrupt to stop\n", bp)

		for n := 0; watchCount == 0 || n < watchCount; n++ {
			select {
			case <-ctx.Done():
				return nil
			case <-bp.Done():
				return nil
			case info := <-hits:
				printTrace(cmd.OutOrStdout(), info)
			}
		}
		return nil
	})
}

func printTrace(w io.Writer, info debugger.CodeTraceInfo) {
	inst := info.Instruction
	if inst == "" {
		inst = "?"
	}
	fmt.Fprintf(w, "thread %d pc %#x: %s\n", info.ThreadID, info.InstructionPointer, inst)
	for _, name := range []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp"} {
		if v, ok := info.Registers[name]; ok {
			fmt.Fprintf(w, "\t%s=%#x", name, v)
		}
	}
	fmt.Fprintln(w)
}

func readCmd(cmd *cobra.Command, args []string) error {
	return run(cmd, func(ctx context.Context, m *metrics.Metrics) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		addr, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		dt, err := conf.ElementType()
		if err != nil {
			return err
		}
		s, err := openSession(pid, m)
		if err != nil {
			return err
		}
		v, err := s.ReadValue(addr, dt)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#x\t%v\n", addr, v)
		return nil
	})
}

func writeCmd(cmd *cobra.Command, args []string) error {
	return run(cmd, func(ctx context.Context, m *metrics.Metrics) error {
		pid, err := parsePid(args[0])
		if err != nil {
			return err
		}
		addr, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		dt, err := conf.ElementType()
		if err != nil {
			return err
		}
		v, err := value.Parse(dt, args[2])
		if err != nil {
			return err
		}
		s, err := openSession(pid, m)
		if err != nil {
			return err
		}
		if err := s.WriteValue(addr, v); err != nil {
			if proc.IsProcessGone(err) {
				return fmt.Errorf("process %d exited", pid)
			}
			return err
		}
		return nil
	})
}
