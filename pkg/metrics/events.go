package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mugglen/LinuxNote/pkg/log"
)

// EventCounter is a log.Logger that counts events by category and kind.
type EventCounter struct {
	events *prometheus.CounterVec
}

// NewEventCounter creates an EventCounter. Register it with a
// prometheus.Registerer before use.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of lifecycle events emitted, by category and kind.",
		}, []string{"category", "kind"}),
	}
}

// Log implements log.Logger.
func (e *EventCounter) Log(event log.Event) {
	e.events.WithLabelValues(event.Category.String(), event.Kind.String()).Inc()
}

// Describe implements prometheus.Collector.
func (e *EventCounter) Describe(ch chan<- *prometheus.Desc) {
	e.events.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *EventCounter) Collect(ch chan<- prometheus.Metric) {
	e.events.Collect(ch)
}

var (
	_ log.Logger           = (*EventCounter)(nil)
	_ prometheus.Collector = (*EventCounter)(nil)
)
