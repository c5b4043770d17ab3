// Package interactive provides the interactive command-line interface
// for hwmodel.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/config"
	"github.com/Mugglen/LinuxNote/pkg/inspect"
)

// Shell handles interactive mode for hwmodel.
type Shell struct {
	sys       *config.System
	inspector *inspect.Inspector
	formatter *inspect.Formatter
	rl        *readline.Instance
	out       io.Writer
}

// New creates a new interactive shell over a built system.
func New(sys *config.System, color bool) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hwmodel> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	s := newShell(sys, rl.Stdout())
	s.rl = rl
	s.formatter.SetColor(color)
	return s, nil
}

func newShell(sys *config.System, out io.Writer) *Shell {
	return &Shell{
		sys:       sys,
		inspector: inspect.NewInspector(sys.Registry()),
		formatter: inspect.NewFormatter(),
		out:       out,
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("tree", readline.PcItem("--refs")),
		readline.PcItem("ls"),
		readline.PcItem("inspect"),
		readline.PcItem("cat"),
		readline.PcItem("write"),
		readline.PcItem("buses"),
		readline.PcItem("bind"),
		readline.PcItem("unbind"),
		readline.PcItem("stats"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Exec(ctx, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()

	case "tree", "t":
		s.cmdTree(args)

	case "ls", "l":
		s.cmdList(ctx, args)

	case "inspect", "i":
		s.cmdInspect(args)

	case "cat", "read", "r":
		s.cmdRead(ctx, args)

	case "write", "w":
		s.cmdWrite(ctx, args)

	case "buses":
		s.cmdBuses()

	case "bind":
		s.cmdBind(args)

	case "unbind":
		s.cmdUnbind(args)

	case "stats":
		s.cmdStats()

	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return true

	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
hwmodel Commands:
  Inspection:
    tree [--refs]          - Show the whole object tree
    ls [path]              - List children and attributes of a node
    inspect <path>         - Show a node with its attribute values
    cat <path>             - Read an attribute value
    write <path> <val>     - Write an attribute value

  Buses:
    buses                  - List buses with device and driver counts
    bind <bus> <device>    - Match an unattached device against the drivers again
    unbind <bus> <device>  - Release a device from its driver

  Other:
    stats                  - Show registry counters
    help                   - Show this help
    quit                   - Exit`)
}

func (s *Shell) parsePath(arg string) (*inspect.Path, bool) {
	path, err := inspect.ParsePath(arg)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %q: %v\n", arg, err)
		return nil, false
	}
	return path, true
}

func (s *Shell) cmdTree(args []string) {
	f := *s.formatter
	f.ShowValues = false
	for _, a := range args {
		if a == "--refs" {
			f.ShowRefCounts = true
		}
	}
	fmt.Fprint(s.out, s.inspector.FormatTree(s.inspector.InspectTree(false), &f))
}

func (s *Shell) cmdList(ctx context.Context, args []string) {
	arg := "/"
	if len(args) > 0 {
		arg = args[0]
	}
	path, ok := s.parsePath(arg)
	if !ok {
		return
	}
	entries, err := s.inspector.List(ctx, path)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprint(s.out, s.formatter.FormatEntries(entries))
}

func (s *Shell) cmdInspect(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: inspect <path>")
		return
	}
	path, ok := s.parsePath(args[0])
	if !ok {
		return
	}
	info, err := s.inspector.InspectNode(path, true)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprint(s.out, s.formatter.FormatNode(info))
}

func (s *Shell) cmdRead(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: cat <path>")
		return
	}
	path, ok := s.parsePath(args[0])
	if !ok {
		return
	}
	value, err := s.inspector.Read(ctx, path)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprint(s.out, value)
	if value != "" && !strings.HasSuffix(value, "\n") {
		fmt.Fprintln(s.out)
	}
}

func (s *Shell) cmdWrite(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: write <path> <value>")
		return
	}
	path, ok := s.parsePath(args[0])
	if !ok {
		return
	}
	value := strings.Join(args[1:], " ")
	if err := s.inspector.Write(ctx, path, value); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "%s = %s\n", path, s.formatter.FormatValue(value))
}

func (s *Shell) cmdBuses() {
	buses := s.sys.Buses()
	if len(buses) == 0 {
		fmt.Fprintln(s.out, "No buses")
		return
	}
	for _, b := range buses {
		st := b.Stats()
		fmt.Fprintf(s.out, "  %-12s %d devices (%d attached), %d drivers\n",
			b.Name(), st.Devices, st.Attached, st.Drivers)
	}
}

// device resolves "<bus> <device>" arguments.
func (s *Shell) device(usage string, args []string) (*bus.Bus, *bus.Device, bool) {
	if len(args) < 2 {
		fmt.Fprintf(s.out, "Usage: %s <bus> <device>\n", usage)
		return nil, nil, false
	}
	b := s.sys.Bus(args[0])
	if b == nil {
		fmt.Fprintf(s.out, "Error: unknown bus %q\n", args[0])
		return nil, nil, false
	}
	dev := b.FindDevice(args[1])
	if dev == nil {
		fmt.Fprintf(s.out, "Error: no device %q on bus %s\n", args[1], b.Name())
		return nil, nil, false
	}
	return b, dev, true
}

func (s *Shell) cmdBind(args []string) {
	b, dev, ok := s.device("bind", args)
	if !ok {
		return
	}
	attached, err := b.Attach(dev)
	var probeErr *bus.ProbeError
	switch {
	case errors.As(err, &probeErr):
		fmt.Fprintf(s.out, "Probe failed: %v\n", err)
	case err != nil:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	case attached:
		fmt.Fprintf(s.out, "%s bound to %s\n", dev.Name(), dev.Driver().Name())
	default:
		fmt.Fprintf(s.out, "No driver matches %s\n", dev.Name())
	}
}

func (s *Shell) cmdUnbind(args []string) {
	b, dev, ok := s.device("unbind", args)
	if !ok {
		return
	}
	drv := dev.Driver()
	if err := b.Detach(dev); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "%s unbound from %s\n", dev.Name(), drv.Name())
}

func (s *Shell) cmdStats() {
	st := s.sys.Registry().Stats()
	fmt.Fprintf(s.out, "Registered nodes: %d\n", st.Registered)
	fmt.Fprintf(s.out, "Live nodes:       %d\n", st.Live)
	fmt.Fprintf(s.out, "Released nodes:   %d\n", st.Released)

	regions := s.sys.Allocator().Regions()
	if len(regions) == 0 {
		return
	}
	fmt.Fprintln(s.out, "Regions:")
	for _, r := range regions {
		fmt.Fprintf(s.out, "  %s\n", r)
	}
}
