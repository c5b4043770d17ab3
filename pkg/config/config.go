// Package config describes an object topology in YAML and builds it into
// a registry.
//
// A topology file lists groups, plain nodes with attributes, device
// number regions, buses, devices and drivers:
//
//	registry:
//	  max_nodes: 64
//	nodes:
//	  - name: my_attr_demo
//	    attributes:
//	      - {name: value, type: int, value: "0"}
//	buses:
//	  - name: my_bus
//	    match: substring
//	devices:
//	  - {bus: my_bus, name: alpha}
//	drivers:
//	  - {bus: my_bus, name: alpha_drv}
//
// Build creates everything in dependency order and returns a System
// whose Shutdown tears it down again.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Mugglen/LinuxNote/pkg/match"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is a complete topology description.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Groups   []GroupConfig  `yaml:"groups"`
	Nodes    []NodeConfig   `yaml:"nodes"`
	Regions  []RegionConfig `yaml:"regions"`
	Buses    []BusConfig    `yaml:"buses"`
	Devices  []DeviceConfig `yaml:"devices"`
	Drivers  []DriverConfig `yaml:"drivers"`
}

// RegistryConfig holds registry limits.
type RegistryConfig struct {
	// MaxNodes caps the number of registered nodes. Zero is unlimited.
	MaxNodes int `yaml:"max_nodes"`
}

// GroupConfig describes a group (kset).
type GroupConfig struct {
	Name string `yaml:"name"`

	// Parent is the path of an earlier group or node; empty for the
	// root namespace.
	Parent string `yaml:"parent"`
}

// NodeConfig describes a plain node with attributes.
type NodeConfig struct {
	Name string `yaml:"name"`

	// Parent is the path of an earlier group or node.
	Parent string `yaml:"parent"`

	// Group, if set, names a group the node joins.
	Group string `yaml:"group"`

	Attributes []AttrConfig `yaml:"attributes"`
}

// Attribute types.
const (
	AttrInt    = "int"
	AttrString = "string"
)

// AttrConfig describes one attribute backed by a value.
type AttrConfig struct {
	Name string `yaml:"name"`

	// Type is "int" or "string".
	Type string `yaml:"type"`

	// Value is the initial value in its textual form.
	Value string `yaml:"value"`

	// Max bounds string values. Zero means model.DefaultStringMax.
	Max int `yaml:"max"`

	// ReadOnly drops the write accessor.
	ReadOnly bool `yaml:"readonly"`
}

// RegionConfig describes a device number region.
type RegionConfig struct {
	Name string `yaml:"name"`

	// Major fixes the major number. Zero allocates one dynamically.
	Major     uint32 `yaml:"major"`
	BaseMinor uint32 `yaml:"base_minor"`
	Count     uint32 `yaml:"count"`
}

// BusConfig describes a bus.
type BusConfig struct {
	Name string `yaml:"name"`

	// Match is a match policy name understood by match.Policy.
	Match string `yaml:"match"`

	// Expr is the expression for the "expr" policy.
	Expr string `yaml:"expr"`

	// FailProbe lists devices whose bus-level probe hook fails.
	FailProbe []string `yaml:"fail_probe"`

	// FailRemove lists devices whose bus-level remove hook fails.
	FailRemove []string `yaml:"fail_remove"`
}

// DeviceConfig describes a device on a bus.
type DeviceConfig struct {
	Bus  string `yaml:"bus"`
	Name string `yaml:"name"`

	// ID is matched by the id-table policy instead of the name.
	ID string `yaml:"id"`

	// Data is an arbitrary payload, visible to match expressions as
	// device.data.
	Data map[string]any `yaml:"data"`

	// Region, if set, assigns the next free minor of that region.
	Region string `yaml:"region"`

	Attributes []AttrConfig `yaml:"attributes"`
}

// Driver probe behaviors.
const (
	ProbeOK   = "ok"
	ProbeFail = "fail"
)

// DriverConfig describes a driver on a bus.
type DriverConfig struct {
	Bus  string   `yaml:"bus"`
	Name string   `yaml:"name"`
	IDs  []string `yaml:"ids"`

	// Probe is "ok" (default) or "fail".
	Probe string `yaml:"probe"`

	Attributes []AttrConfig `yaml:"attributes"`
}

// LoadError represents an error loading or validating a topology.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Parse parses and validates a topology from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Message: "validation failed", Cause: err}
	}
	return &cfg, nil
}

// Load reads and parses a topology file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks names and cross references. It does not detect
// conflicts only the registry can see, such as duplicate paths.
func (c *Config) Validate() error {
	if c.Registry.MaxNodes < 0 {
		return invalid("registry.max_nodes must not be negative")
	}

	groups := make(map[string]bool)
	for i, g := range c.Groups {
		if g.Name == "" {
			return invalid("groups[%d]: name is required", i)
		}
		if groups[g.Name] {
			return invalid("group %q defined twice", g.Name)
		}
		groups[g.Name] = true
	}

	for i, n := range c.Nodes {
		if n.Name == "" {
			return invalid("nodes[%d]: name is required", i)
		}
		if n.Group != "" && !groups[n.Group] {
			return invalid("node %q: unknown group %q", n.Name, n.Group)
		}
		if err := validateAttrs("node "+n.Name, n.Attributes); err != nil {
			return err
		}
	}

	regions := make(map[string]bool)
	for i, r := range c.Regions {
		if r.Name == "" {
			return invalid("regions[%d]: name is required", i)
		}
		if regions[r.Name] {
			return invalid("region %q defined twice", r.Name)
		}
		if r.Count == 0 {
			return invalid("region %q: count must be positive", r.Name)
		}
		regions[r.Name] = true
	}

	buses := make(map[string]bool)
	for i, b := range c.Buses {
		if b.Name == "" {
			return invalid("buses[%d]: name is required", i)
		}
		if buses[b.Name] {
			return invalid("bus %q defined twice", b.Name)
		}
		if _, err := match.Policy(b.Match, b.Expr); err != nil {
			return invalid("bus %q: %v", b.Name, err)
		}
		buses[b.Name] = true
	}

	for i, d := range c.Devices {
		if d.Name == "" {
			return invalid("devices[%d]: name is required", i)
		}
		if !buses[d.Bus] {
			return invalid("device %q: unknown bus %q", d.Name, d.Bus)
		}
		if d.Region != "" && !regions[d.Region] {
			return invalid("device %q: unknown region %q", d.Name, d.Region)
		}
		if err := validateAttrs("device "+d.Name, d.Attributes); err != nil {
			return err
		}
	}

	for i, d := range c.Drivers {
		if d.Name == "" {
			return invalid("drivers[%d]: name is required", i)
		}
		if !buses[d.Bus] {
			return invalid("driver %q: unknown bus %q", d.Name, d.Bus)
		}
		switch d.Probe {
		case "", ProbeOK, ProbeFail:
		default:
			return invalid("driver %q: unknown probe behavior %q", d.Name, d.Probe)
		}
		if err := validateAttrs("driver "+d.Name, d.Attributes); err != nil {
			return err
		}
	}
	return nil
}

func validateAttrs(owner string, attrs []AttrConfig) error {
	seen := make(map[string]bool)
	for i, a := range attrs {
		if a.Name == "" {
			return invalid("%s: attributes[%d]: name is required", owner, i)
		}
		if seen[a.Name] {
			return invalid("%s: attribute %q defined twice", owner, a.Name)
		}
		seen[a.Name] = true

		switch a.Type {
		case AttrInt:
			if a.Value != "" {
				if _, err := strconv.ParseInt(a.Value, 10, 64); err != nil {
					return invalid("%s: attribute %q: %v", owner, a.Name, err)
				}
			}
		case AttrString:
			if a.Max < 0 {
				return invalid("%s: attribute %q: max must not be negative", owner, a.Name)
			}
		default:
			return invalid("%s: attribute %q: unknown type %q", owner, a.Name, a.Type)
		}
	}
	return nil
}
