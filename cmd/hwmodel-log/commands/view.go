// Package commands implements the hwmodel-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// ViewOptions controls the view command.
type ViewOptions struct {
	Filter log.Filter

	// Color enables ANSI colors for the category column.
	Color bool
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

type palette map[log.Category]*color.Color

func newPalette(enabled bool) palette {
	p := palette{
		log.CategoryNode:      color.New(color.FgBlue),
		log.CategoryAttribute: color.New(color.FgCyan),
		log.CategoryBus:       color.New(color.FgGreen),
		log.CategoryError:     color.New(color.FgRed, color.Bold),
	}
	for _, c := range p {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) paint(c log.Category, s string) string {
	if col, ok := p[c]; ok {
		return col.Sprint(s)
	}
	return s
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event, p palette) {
	// Header line: timestamp [session] CATEGORY kind subject
	ts := event.Timestamp.UTC().Format(timestampLayout)
	category := p.paint(event.Category, fmt.Sprintf("%-9s", event.Category.String()))

	fmt.Fprintf(w, "%s [%s] %s %s", ts, shortenSessionID(event.SessionID), category, event.Kind.String())
	if subject := subjectOf(event); subject != "" {
		fmt.Fprintf(w, " %s", subject)
	}
	fmt.Fprintln(w)

	if event.RefCount != 0 {
		fmt.Fprintf(w, "  Refs: %d\n", event.RefCount)
	}

	switch {
	case event.Attribute != nil:
		formatAttributeDetails(w, event.Attribute)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// subjectOf names what the event is about: the bus members when set,
// otherwise the node path.
func subjectOf(event log.Event) string {
	var parts []string
	if event.Bus != "" {
		parts = append(parts, "bus="+event.Bus)
	}
	if event.Device != "" {
		parts = append(parts, "device="+event.Device)
	}
	if event.Driver != "" {
		parts = append(parts, "driver="+event.Driver)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return event.Path
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatAttributeDetails(w io.Writer, attr *log.AttributeEvent) {
	fmt.Fprintf(w, "  Attribute: %s\n", attr.Name)
	if attr.Size > 0 {
		fmt.Fprintf(w, "  Size: %d bytes\n", attr.Size)
	}
	if len(attr.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", printable(attr.Data))
		if attr.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

// printable quotes text payloads and hex-encodes binary ones.
func printable(data []byte) string {
	for _, b := range data {
		if (b < 0x20 && b != '\n' && b != '\t') || b == 0x7f {
			return hex.EncodeToString(data)
		}
	}
	return fmt.Sprintf("%q", data)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	if err.Stage != "" {
		fmt.Fprintf(w, "  Stage: %s\n", err.Stage)
	}
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be node, attribute, bus, or error)", s)
	}
	return c, nil
}

// ParseKindFlag parses an event kind name such as "probe_failed"
// (case-insensitive).
func ParseKindFlag(s string) (log.Kind, error) {
	k, ok := log.ParseKind(strings.ToLower(s))
	if !ok {
		return 0, fmt.Errorf("invalid kind: %s", s)
	}
	return k, nil
}

// ParseTimeFlag parses an RFC3339 timestamp.
func ParseTimeFlag(name, s string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return &t, nil
}

// RunView executes the view command.
func RunView(path string, opts ViewOptions, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, opts.Filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	p := newPalette(opts.Color)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event, p)
	}

	return nil
}
