package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents      int
	EventsByCategory map[log.Category]int
	EventsByKind     map[log.Kind]int
	Sessions         map[string]int
	Buses            map[string]*BusStats
	Errors           int
	TimeRange        struct {
		Start time.Time
		End   time.Time
	}
}

// BusStats holds statistics for a single bus.
type BusStats struct {
	Devices       map[string]bool
	Drivers       map[string]bool
	Attaches      int
	Detaches      int
	ProbeFailures int
}

// CollectStats reads every event in path and aggregates them.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByCategory: make(map[log.Category]int),
		EventsByKind:     make(map[log.Kind]int),
		Sessions:         make(map[string]int),
		Buses:            make(map[string]*BusStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByCategory[event.Category]++
	s.EventsByKind[event.Kind]++
	s.Sessions[event.SessionID]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Error != nil {
		s.Errors++
	}

	if event.Bus == "" {
		return
	}
	b, ok := s.Buses[event.Bus]
	if !ok {
		b = &BusStats{Devices: make(map[string]bool), Drivers: make(map[string]bool)}
		s.Buses[event.Bus] = b
	}
	if event.Device != "" {
		b.Devices[event.Device] = true
	}
	if event.Driver != "" {
		b.Drivers[event.Driver] = true
	}
	switch event.Kind {
	case log.KindAttached:
		b.Attaches++
	case log.KindDetached:
		b.Detaches++
	case log.KindProbeFailed:
		b.ProbeFailures++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Object Model Event Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Sessions:     %d\n", len(stats.Sessions))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryNode, log.CategoryAttribute, log.CategoryBus, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Kind:")
	kinds := make([]log.Kind, 0, len(stats.EventsByKind))
	for k := range stats.EventsByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-20s %d\n", k.String()+":", stats.EventsByKind[k])
	}

	if len(stats.Buses) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Buses: %d\n", len(stats.Buses))
		names := make([]string, 0, len(stats.Buses))
		for name := range stats.Buses {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b := stats.Buses[name]
			fmt.Fprintf(w, "  [%s] %d devices, %d drivers\n", name, len(b.Devices), len(b.Drivers))
			fmt.Fprintf(w, "           Attaches: %d, Detaches: %d, Probe failures: %d\n",
				b.Attaches, b.Detaches, b.ProbeFailures)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
