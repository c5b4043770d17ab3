package commands

import (
	"fmt"
	"io"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// FilterOptions specifies filtering criteria for the filter command.
type FilterOptions struct {
	Output     string
	SessionID  string
	PathPrefix string
	Bus        string
	Device     string
	Driver     string
	TimeStart  string
	TimeEnd    string
	Category   string
	Kind       string
}

// Build converts the string options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		SessionID:  o.SessionID,
		PathPrefix: o.PathPrefix,
		Bus:        o.Bus,
		Device:     o.Device,
		Driver:     o.Driver,
	}

	if o.TimeStart != "" {
		t, err := ParseTimeFlag("time-start", o.TimeStart)
		if err != nil {
			return log.Filter{}, err
		}
		filter.TimeStart = t
	}

	if o.TimeEnd != "" {
		t, err := ParseTimeFlag("time-end", o.TimeEnd)
		if err != nil {
			return log.Filter{}, err
		}
		filter.TimeEnd = t
	}

	if o.Category != "" {
		c, err := ParseCategoryFlag(o.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}

	if o.Kind != "" {
		k, err := ParseKindFlag(o.Kind)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Kind = &k
	}

	return filter, nil
}

// RunFilter filters the log file and writes matching events to a new
// file. It reports the number of events written to w.
func RunFilter(path string, opts FilterOptions, w io.Writer) error {
	if opts.Output == "" {
		return fmt.Errorf("output file is required")
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return fmt.Errorf("failed to create output logger: %w", err)
	}

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = logger.Close()
			return fmt.Errorf("failed to read event: %w", err)
		}

		logger.Log(event)
		count++
	}

	if err := logger.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if dropped := logger.Dropped(); dropped > 0 {
		return fmt.Errorf("failed to write %d of %d events", dropped, count)
	}

	fmt.Fprintf(w, "Filtered %d events to %s\n", count, opts.Output)
	return nil
}
