package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes lifecycle events to an slog.Logger.
// Useful for development when you want to see events in the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level. Error events are
// written at Warn level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("category", event.Category.String()),
		slog.String("kind", event.Kind.String()),
	}

	// Add optional identifiers
	if event.Path != "" {
		attrs = append(attrs, slog.String("path", event.Path))
	}
	if event.Bus != "" {
		attrs = append(attrs, slog.String("bus", event.Bus))
	}
	if event.Device != "" {
		attrs = append(attrs, slog.String("device", event.Device))
	}
	if event.Driver != "" {
		attrs = append(attrs, slog.String("driver", event.Driver))
	}
	if event.RefCount != 0 {
		attrs = append(attrs, slog.Int("refcount", int(event.RefCount)))
	}

	level := slog.LevelDebug

	// Add type-specific attributes
	switch {
	case event.Attribute != nil:
		attrs = append(attrs,
			slog.String("attr", event.Attribute.Name),
			slog.Int("size", event.Attribute.Size),
		)
		if event.Attribute.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Stage != "" {
			attrs = append(attrs, slog.String("stage", event.Error.Stage))
		}
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), level, "lifecycle", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
