// Command hwmodel-log views and analyzes object model event logs.
//
// Event logs are written by hwmodel when started with --event-log.
//
// Usage:
//
//	hwmodel-log <command> [flags] <file.hwlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSONL or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View only bus events
//	hwmodel-log view --category bus events.hwlog
//
//	# View probe failures on one bus
//	hwmodel-log view --bus i2c --kind probe_failed events.hwlog
//
//	# Export to JSONL
//	hwmodel-log export --format jsonl events.hwlog
//
//	# Keep only the events of one device
//	hwmodel-log filter --device D1 -o d1.hwlog events.hwlog
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/Mugglen/LinuxNote/cmd/hwmodel-log/commands"
)

const usage = `hwmodel-log - Object Model Event Log Analyzer

Usage:
  hwmodel-log <command> [flags] <file.hwlog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSONL or CSV format
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "hwmodel-log <command> --help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "stats":
		err = runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set whose usage prints header followed by
// the flag defaults.
func newFlagSet(name, header string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, header)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	return fs
}

// logPath returns the single positional argument.
func logPath(fs *pflag.FlagSet) (string, error) {
	if fs.NArg() < 1 {
		fs.Usage()
		return "", fmt.Errorf("log file path required")
	}
	return fs.Arg(0), nil
}

// addFilterFlags registers the event selection flags shared by view and
// filter.
func addFilterFlags(fs *pflag.FlagSet, opts *commands.FilterOptions) {
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.PathPrefix, "path", "", "Filter by node path prefix")
	fs.StringVar(&opts.Bus, "bus", "", "Filter by bus name")
	fs.StringVar(&opts.Device, "device", "", "Filter by device name")
	fs.StringVar(&opts.Driver, "driver", "", "Filter by driver name")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (node, attribute, bus, error)")
	fs.StringVar(&opts.Kind, "kind", "", "Filter by event kind (e.g. attached, probe_failed)")
}

func runView(args []string) error {
	fs := newFlagSet("view", `hwmodel-log view - View log file in human-readable format

Usage:
  hwmodel-log view [flags] <file.hwlog>
`)
	var opts commands.FilterOptions
	addFilterFlags(fs, &opts)
	colorMode := fs.String("color", "auto", "Colorize output (auto, always, never)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}

	filter, err := opts.Build()
	if err != nil {
		return err
	}

	var useColor bool
	switch *colorMode {
	case "always":
		useColor = true
	case "never":
		useColor = false
	case "auto":
		useColor = isatty.IsTerminal(os.Stdout.Fd())
	default:
		return fmt.Errorf("invalid color mode: %s (must be auto, always, or never)", *colorMode)
	}

	return commands.RunView(path, commands.ViewOptions{Filter: filter, Color: useColor}, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", `hwmodel-log export - Export log file to JSONL or CSV format

Usage:
  hwmodel-log export [flags] <file.hwlog>
`)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.StringP("output", "o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output)
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", `hwmodel-log filter - Filter log file and write to new file

Usage:
  hwmodel-log filter [flags] -o <out.hwlog> <file.hwlog>
`)
	var opts commands.FilterOptions
	fs.StringVarP(&opts.Output, "output", "o", "", "Output file (required)")
	addFilterFlags(fs, &opts)

	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunFilter(path, opts, os.Stdout)
}

func runStats(args []string) error {
	fs := newFlagSet("stats", `hwmodel-log stats - Show statistics about the log file

Usage:
  hwmodel-log stats <file.hwlog>
`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}
