// Command hwmodel builds a device object model from a topology file and
// serves it.
//
// The topology file describes groups, attribute nodes, device number
// regions, buses, devices and drivers (see package config). Once built,
// the tree can be browsed from an interactive shell, mounted as a
// sysfs-like FUSE filesystem, and scraped as Prometheus metrics.
//
// Usage:
//
//	hwmodel --config <topology.yaml> [flags]
//
// Flags:
//
//	--config string        Topology file (required)
//	--event-log string     Append lifecycle events to this CBOR file
//	--mount string         Mount the tree as a FUSE filesystem here
//	--allow-other          Let other users access the FUSE mount
//	--metrics-addr string  Serve Prometheus metrics on this address
//	--log-level string     Log level: debug, info, warn, error (default "info")
//	--log-format string    Log format: text, json (default "text")
//	-i, --interactive      Start the interactive shell
//	--color string         Colorize shell output: auto, always, never (default "auto")
//
// Examples:
//
//	# Browse the demo topology
//	hwmodel --config demo.yaml -i
//
//	# Mount the tree and record events
//	hwmodel --config demo.yaml --mount /tmp/hw --event-log events.hwlog
//
//	# Expose metrics
//	hwmodel --config demo.yaml --metrics-addr :9100
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/Mugglen/LinuxNote/cmd/hwmodel/interactive"
	"github.com/Mugglen/LinuxNote/pkg/attrfs"
	"github.com/Mugglen/LinuxNote/pkg/config"
	"github.com/Mugglen/LinuxNote/pkg/log"
	"github.com/Mugglen/LinuxNote/pkg/metrics"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// options holds the command-line configuration.
type options struct {
	ConfigFile  string
	EventLog    string
	Mount       string
	AllowOther  bool
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	Interactive bool
	Color       string
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", "", "Topology file (required)")
	fs.StringVar(&o.EventLog, "event-log", "", "Append lifecycle events to this CBOR file")
	fs.StringVar(&o.Mount, "mount", "", "Mount the tree as a FUSE filesystem here")
	fs.BoolVar(&o.AllowOther, "allow-other", false, "Let other users access the FUSE mount")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.LogFormat, "log-format", "text", "Log format: text, json")
	fs.BoolVarP(&o.Interactive, "interactive", "i", false, "Start the interactive shell")
	fs.StringVar(&o.Color, "color", "auto", "Colorize shell output: auto, always, never")
}

func (o *options) validate() error {
	if o.ConfigFile == "" {
		return errors.New("--config is required")
	}
	if _, err := parseLevel(o.LogLevel); err != nil {
		return err
	}
	switch o.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (must be text or json)", o.LogFormat)
	}
	switch o.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid color mode %q (must be auto, always, or never)", o.Color)
	}
	return nil
}

func (o *options) useColor() bool {
	switch o.Color {
	case "always":
		return true
	case "never":
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", s)
}

// logOutput is the destination of log records. The shell swaps it for
// its own stderr so records do not garble the prompt.
type logOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *logOutput) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *logOutput) set(w io.Writer) {
	l.mu.Lock()
	l.w = w
	l.mu.Unlock()
}

func newLogger(o *options, out io.Writer) *slog.Logger {
	level, _ := parseLevel(o.LogLevel)
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(out, handlerOpts))
}

// app is a running hwmodel instance.
type app struct {
	opts     *options
	logger   *slog.Logger
	sys      *config.System
	eventLog *log.FileLogger
	metrics  *metrics.Collector
	events   *metrics.EventCounter
	server   *fuse.Server
}

// start loads the topology and builds it. The caller must call close.
func start(ctx context.Context, o *options, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, err
	}

	a := &app{opts: o, logger: logger, events: metrics.NewEventCounter()}
	sinks := []log.Logger{log.NewSlogAdapter(logger), a.events}
	if o.EventLog != "" {
		a.eventLog, err = log.NewFileLogger(o.EventLog)
		if err != nil {
			return nil, fmt.Errorf("opening event log: %w", err)
		}
		sinks = append(sinks, a.eventLog)
	}

	reg := model.NewRegistry(model.RegistryConfig{
		MaxNodes:    cfg.Registry.MaxNodes,
		Logger:      logger,
		EventLogger: log.NewMultiLogger(sinks...),
	})
	a.metrics = metrics.NewCollector(reg)

	a.sys, err = config.Build(ctx, reg, cfg, config.Options{
		Logger: logger,
		OnBus:  a.metrics.AddBus,
	})
	switch {
	case a.sys == nil:
		return nil, multierr.Append(err, a.closeEventLog())
	case err != nil:
		// The topology is partially built; serve what fit.
		logger.Warn("topology incomplete", "error", err)
	}
	logger.Info("topology built",
		"file", o.ConfigFile,
		"nodes", reg.Stats().Registered,
		"buses", len(a.sys.Buses()),
		"session", reg.SessionID())

	if o.Mount != "" {
		a.server, err = attrfs.Mount(attrfs.Options{
			Mountpoint: o.Mount,
			Registry:   reg,
			AllowOther: o.AllowOther,
			Logger:     logger,
		})
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("mounting %s: %w", o.Mount, err), a.close())
		}
		logger.Info("tree mounted", "mountpoint", o.Mount)
	}
	return a, nil
}

// serveMetrics blocks serving metrics until ctx is done.
func (a *app) serveMetrics(ctx context.Context) error {
	h, err := metrics.Handler(a.metrics, a.events)
	if err != nil {
		return err
	}
	return metrics.Serve(ctx, a.opts.MetricsAddr, h, a.logger)
}

func (a *app) closeEventLog() error {
	if a.eventLog == nil {
		return nil
	}
	return a.eventLog.Close()
}

// close unmounts the filesystem, tears the topology down and closes the
// event log, in that order.
func (a *app) close() error {
	var err error
	if a.server != nil {
		err = multierr.Append(err, a.server.Unmount())
		a.server = nil
	}
	if a.sys != nil {
		err = multierr.Append(err, a.sys.Shutdown())
	}
	return multierr.Append(err, a.closeEventLog())
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var o options
	fs := pflag.NewFlagSet("hwmodel", pflag.ContinueOnError)
	o.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if err := o.validate(); err != nil {
		return err
	}

	out := &logOutput{w: os.Stderr}
	logger := newLogger(&o, out)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := start(ctx, &o, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if o.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.serveMetrics(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if o.Interactive {
		shellCtx, cancel := context.WithCancel(ctx)
		shell, err := interactive.New(a.sys, o.useColor())
		if err != nil {
			cancel()
			stop()
			wg.Wait()
			return multierr.Append(err, a.close())
		}
		out.set(shell.Stderr())
		shell.Run(shellCtx, cancel)
		out.set(os.Stderr)
		stop()
	} else {
		<-ctx.Done()
		logger.Info("shutting down")
	}

	wg.Wait()
	return a.close()
}
