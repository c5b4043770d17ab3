// Package metrics exports registry and bus state to Prometheus.
//
// Collector reads counters on every scrape, so it never goes stale and
// adds no cost to the object model between scrapes. EventCounter counts
// lifecycle events as they happen and is installed as (part of) the
// registry's event logger.
package metrics

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

const namespace = "hwmodel"

// Collector implements prometheus.Collector over a registry and its buses.
type Collector struct {
	reg *model.Registry

	mu    sync.RWMutex
	buses []*bus.Bus

	nodesRegistered *prometheus.Desc
	nodesLive       *prometheus.Desc
	nodesReleased   *prometheus.Desc
	busDevices      *prometheus.Desc
	busDrivers      *prometheus.Desc
	busAttaches     *prometheus.Desc
	busDetaches     *prometheus.Desc
	busProbeFails   *prometheus.Desc
}

// NewCollector creates a collector for reg and the given buses.
func NewCollector(reg *model.Registry, buses ...*bus.Bus) *Collector {
	return &Collector{
		reg:   reg,
		buses: slices.Clone(buses),
		nodesRegistered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "nodes", "registered"),
			"Number of nodes currently registered.", nil, nil),
		nodesLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "nodes", "live"),
			"Number of nodes created through the registry and not yet released.", nil, nil),
		nodesReleased: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "nodes", "released_total"),
			"Number of nodes whose last reference was dropped.", nil, nil),
		busDevices: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "devices"),
			"Number of devices registered on a bus, by attachment state.", []string{"bus", "state"}, nil),
		busDrivers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "drivers"),
			"Number of drivers registered on a bus.", []string{"bus"}, nil),
		busAttaches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "attaches_total"),
			"Number of successful device-driver attachments.", []string{"bus"}, nil),
		busDetaches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "detaches_total"),
			"Number of device-driver detachments.", []string{"bus"}, nil),
		busProbeFails: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "probe_failures_total"),
			"Number of failed probes.", []string{"bus"}, nil),
	}
}

// AddBus starts reporting b.
func (c *Collector) AddBus(b *bus.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.buses, b) {
		c.buses = append(c.buses, b)
	}
}

// RemoveBus stops reporting b.
func (c *Collector) RemoveBus(b *bus.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buses = slices.DeleteFunc(c.buses, func(x *bus.Bus) bool { return x == b })
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodesRegistered
	ch <- c.nodesLive
	ch <- c.nodesReleased
	ch <- c.busDevices
	ch <- c.busDrivers
	ch <- c.busAttaches
	ch <- c.busDetaches
	ch <- c.busProbeFails
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Stats()
	ch <- prometheus.MustNewConstMetric(c.nodesRegistered, prometheus.GaugeValue, float64(s.Registered))
	ch <- prometheus.MustNewConstMetric(c.nodesLive, prometheus.GaugeValue, float64(s.Live))
	ch <- prometheus.MustNewConstMetric(c.nodesReleased, prometheus.CounterValue, float64(s.Released))

	c.mu.RLock()
	buses := slices.Clone(c.buses)
	c.mu.RUnlock()

	for _, b := range buses {
		bs := b.Stats()
		name := b.Name()
		ch <- prometheus.MustNewConstMetric(c.busDevices, prometheus.GaugeValue, float64(bs.Attached), name, "attached")
		ch <- prometheus.MustNewConstMetric(c.busDevices, prometheus.GaugeValue, float64(bs.Devices-bs.Attached), name, "unattached")
		ch <- prometheus.MustNewConstMetric(c.busDrivers, prometheus.GaugeValue, float64(bs.Drivers), name)
		ch <- prometheus.MustNewConstMetric(c.busAttaches, prometheus.CounterValue, float64(bs.Attaches), name)
		ch <- prometheus.MustNewConstMetric(c.busDetaches, prometheus.CounterValue, float64(bs.Detaches), name)
		ch <- prometheus.MustNewConstMetric(c.busProbeFails, prometheus.CounterValue, float64(bs.ProbeFailures), name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
