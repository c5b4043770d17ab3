package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// record is the JSON shape of an exported event. Enumerations are
// written by name.
type record struct {
	Timestamp   string              `json:"timestamp"`
	SessionID   string              `json:"session_id"`
	Category    string              `json:"category"`
	Kind        string              `json:"kind"`
	Path        string              `json:"path,omitempty"`
	Bus         string              `json:"bus,omitempty"`
	Device      string              `json:"device,omitempty"`
	Driver      string              `json:"driver,omitempty"`
	RefCount    int32               `json:"ref_count,omitempty"`
	Attribute   *log.AttributeEvent `json:"attribute,omitempty"`
	StateChange *stateRecord        `json:"state_change,omitempty"`
	Error       *log.ErrorEventData `json:"error,omitempty"`
}

type stateRecord struct {
	Entity   string `json:"entity"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state"`
	Reason   string `json:"reason,omitempty"`
}

func toRecord(event log.Event) record {
	r := record{
		Timestamp: event.Timestamp.UTC().Format(timestampLayout),
		SessionID: event.SessionID,
		Category:  event.Category.String(),
		Kind:      event.Kind.String(),
		Path:      event.Path,
		Bus:       event.Bus,
		Device:    event.Device,
		Driver:    event.Driver,
		RefCount:  event.RefCount,
		Attribute: event.Attribute,
		Error:     event.Error,
	}
	if sc := event.StateChange; sc != nil {
		r.StateChange = &stateRecord{
			Entity:   sc.Entity.String(),
			OldState: sc.OldState,
			NewState: sc.NewState,
			Reason:   sc.Reason,
		}
	}
	return r
}

// RunExport exports the log file to the specified format. An empty
// output writes to stdout.
func RunExport(path, format, output string) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return Export(path, format, w)
}

// Export writes the events in path to w in the given format.
func Export(path, format string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(toRecord(event)); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "session_id", "category", "kind", "path", "bus", "device", "driver", "ref_count", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		row := []string{
			event.Timestamp.UTC().Format(timestampLayout),
			event.SessionID,
			event.Category.String(),
			event.Kind.String(),
			event.Path,
			event.Bus,
			event.Device,
			event.Driver,
			strconv.Itoa(int(event.RefCount)),
			detailOf(event),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func detailOf(event log.Event) string {
	switch {
	case event.Attribute != nil:
		return event.Attribute.Name
	case event.StateChange != nil:
		return event.StateChange.OldState + "->" + event.StateChange.NewState
	case event.Error != nil:
		return event.Error.Message
	}
	return ""
}
