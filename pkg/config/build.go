package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/Mugglen/LinuxNote/pkg/bus"
	"github.com/Mugglen/LinuxNote/pkg/devt"
	"github.com/Mugglen/LinuxNote/pkg/match"
	"github.com/Mugglen/LinuxNote/pkg/model"
)

// Options configures Build.
type Options struct {
	// Logger receives build progress. If nil, the registry's logger is
	// used.
	Logger *slog.Logger

	// Allocator hands out device numbers. If nil, a new one is created.
	Allocator *devt.Allocator

	// OnBus, if set, is called for every bus right after it is
	// registered.
	OnBus func(*bus.Bus)
}

// DevicePayload is the Data of devices built from a topology: the
// configured data plus "id" when an ID is set.
type DevicePayload map[string]any

// MatchID implements match.Identifier.
func (p DevicePayload) MatchID() string {
	id, _ := p["id"].(string)
	return id
}

type region struct {
	devt.Region
	next uint32
}

// System is a built topology.
type System struct {
	reg    *model.Registry
	alloc  *devt.Allocator
	logger *slog.Logger
	onBus  func(*bus.Bus)

	mu       sync.Mutex
	groups   map[string]*model.Group
	regions  map[string]*region
	buses    map[string]*bus.Bus
	busOrder []*bus.Bus
	teardown []func() error
	down     bool
}

// Build creates cfg in reg: groups, nodes, regions, buses, devices and
// drivers, in that order.
//
// A probe failure is logged and the build continues; the device stays
// registered and unattached. An allocation failure (node limit or device
// numbers exhausted) stops the build but keeps everything committed so
// far: the partial System is returned along with the error. Any other
// failure tears down what was built and returns a nil System.
func Build(ctx context.Context, reg *model.Registry, cfg *Config, opts Options) (*System, error) {
	s := &System{
		reg:     reg,
		alloc:   opts.Allocator,
		logger:  opts.Logger,
		onBus:   opts.OnBus,
		groups:  make(map[string]*model.Group),
		regions: make(map[string]*region),
		buses:   make(map[string]*bus.Bus),
	}
	if s.alloc == nil {
		s.alloc = devt.NewAllocator()
	}
	if s.logger == nil {
		s.logger = reg.Logger()
	}

	steps := []struct {
		name string
		fn   func(*Config) error
	}{
		{"groups", s.buildGroups},
		{"nodes", s.buildNodes},
		{"regions", s.buildRegions},
		{"buses", s.buildBuses},
		{"devices", s.buildDevices},
		{"drivers", s.buildDrivers},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(err, s.Shutdown())
		}
		if err := step.fn(cfg); err != nil {
			err = fmt.Errorf("build %s: %w", step.name, err)
			if errors.Is(err, model.ErrAllocationFailed) {
				s.logger.Error("allocation failed, keeping committed topology", "error", err)
				return s, err
			}
			s.logger.Error("build failed, tearing down", "error", err)
			return nil, multierr.Append(err, s.Shutdown())
		}
	}

	st := reg.Stats()
	s.logger.Info("topology built", "nodes", st.Registered, "buses", len(s.busOrder))
	return s, nil
}

func (s *System) push(fn func() error) {
	s.mu.Lock()
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

// Shutdown tears the topology down in reverse creation order. Errors
// are collected and teardown continues. Calling it again is a no-op.
func (s *System) Shutdown() error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil
	}
	s.down = true
	teardown := s.teardown
	s.teardown = nil
	s.mu.Unlock()

	var errs error
	for i := len(teardown) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, teardown[i]())
	}
	if len(s.busOrder) > 0 {
		_, err := bus.ReleaseRoot(s.reg)
		errs = multierr.Append(errs, err)
	}
	s.logger.Info("topology shut down", "errors", len(multierr.Errors(errs)))
	return errs
}

// Registry returns the registry the topology lives in.
func (s *System) Registry() *model.Registry { return s.reg }

// Allocator returns the device number allocator.
func (s *System) Allocator() *devt.Allocator { return s.alloc }

// Bus returns the bus with the given name, or nil.
func (s *System) Bus(name string) *bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buses[name]
}

// Buses returns the buses in creation order.
func (s *System) Buses() []*bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bus.Bus(nil), s.busOrder...)
}

// Group returns the group with the given name, or nil.
func (s *System) Group(name string) *model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[name]
}

// parent resolves a configured parent path. The returned node stays
// alive through its registration.
func (s *System) parent(path string) (*model.Node, error) {
	if path == "" {
		return nil, nil
	}
	n, err := s.reg.Lookup(path)
	if err != nil {
		return nil, fmt.Errorf("parent %q: %w", path, err)
	}
	_ = n.Put()
	return n, nil
}

func (s *System) buildGroups(cfg *Config) error {
	for _, gc := range cfg.Groups {
		parent, err := s.parent(gc.Parent)
		if err != nil {
			return err
		}
		g, err := s.reg.CreateGroup(gc.Name, parent)
		if err != nil {
			return fmt.Errorf("group %q: %w", gc.Name, err)
		}
		s.mu.Lock()
		s.groups[gc.Name] = g
		s.mu.Unlock()
		s.push(g.Unregister)
	}
	return nil
}

func (s *System) buildNodes(cfg *Config) error {
	for _, nc := range cfg.Nodes {
		parent, err := s.parent(nc.Parent)
		if err != nil {
			return err
		}
		n, err := s.reg.CreateNode(nc.Name, parent)
		if err != nil {
			return fmt.Errorf("node %q: %w", nc.Name, err)
		}
		attrs, err := buildAttrs(nc.Attributes)
		if err == nil {
			err = n.ExposeGroup(model.AttributeGroup{Attrs: attrs})
		}
		if err == nil {
			err = s.reg.Register(n, s.Group(nc.Group))
		}
		if err != nil {
			_ = n.Put()
			return fmt.Errorf("node %q: %w", nc.Name, err)
		}
		s.push(func() error {
			return multierr.Append(s.reg.Unregister(n), n.Put())
		})
	}
	return nil
}

func (s *System) buildRegions(cfg *Config) error {
	for _, rc := range cfg.Regions {
		var (
			r   devt.Region
			err error
		)
		if rc.Major == 0 {
			r, err = s.alloc.AllocRegion(rc.Name, rc.BaseMinor, rc.Count)
		} else {
			r, err = s.alloc.RegisterRegion(rc.Name, devt.New(rc.Major, rc.BaseMinor), rc.Count)
		}
		if err != nil {
			return fmt.Errorf("region %q: %w", rc.Name, err)
		}
		s.mu.Lock()
		s.regions[rc.Name] = &region{Region: r}
		s.mu.Unlock()
		s.logger.Debug("region allocated", "region", rc.Name, "first", r.First().String(), "count", r.Count)
		s.push(func() error { return s.alloc.Release(r) })
	}
	return nil
}

func (s *System) buildBuses(cfg *Config) error {
	for _, bc := range cfg.Buses {
		fn, err := match.Policy(bc.Match, bc.Expr)
		if err != nil {
			return fmt.Errorf("bus %q: %w", bc.Name, err)
		}
		b, err := bus.Register(s.reg, bus.Config{
			Name:   bc.Name,
			Match:  fn,
			Probe:  failingHook("probe", bc.FailProbe),
			Remove: failingHook("remove", bc.FailRemove),
			Logger: s.logger,
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.buses[bc.Name] = b
		s.busOrder = append(s.busOrder, b)
		s.mu.Unlock()
		if s.onBus != nil {
			s.onBus(b)
		}
		s.push(b.Unregister)
	}
	return nil
}

// failingHook returns a bus hook failing for the named devices, or nil
// when there are none.
func failingHook(op string, devices []string) func(*bus.Device) error {
	if len(devices) == 0 {
		return nil
	}
	fail := make(map[string]bool, len(devices))
	for _, d := range devices {
		fail[d] = true
	}
	return func(dev *bus.Device) error {
		if fail[dev.Name()] {
			return fmt.Errorf("%s refused for %q by configuration", op, dev.Name())
		}
		return nil
	}
}

func (s *System) buildDevices(cfg *Config) error {
	for _, dc := range cfg.Devices {
		b := s.Bus(dc.Bus)
		if b == nil {
			return fmt.Errorf("device %q: unknown bus %q", dc.Name, dc.Bus)
		}

		devCfg := bus.DeviceConfig{}
		if dc.ID != "" || len(dc.Data) > 0 {
			payload := DevicePayload{}
			maps.Copy(payload, dc.Data)
			if dc.ID != "" {
				payload["id"] = dc.ID
			}
			devCfg.Data = payload
		}
		if dc.Region != "" {
			num, err := s.nextNum(dc.Region)
			if err != nil {
				return fmt.Errorf("device %q: %w", dc.Name, err)
			}
			devCfg.DevNum = num
		}
		attrs, err := buildAttrs(dc.Attributes)
		if err != nil {
			return fmt.Errorf("device %q: %w", dc.Name, err)
		}
		devCfg.Attributes = attrs

		dev, err := bus.NewDevice(dc.Name, devCfg)
		if err != nil {
			return fmt.Errorf("device %q: %w", dc.Name, err)
		}
		if err := b.RegisterDevice(dev); err != nil {
			if !errors.Is(err, bus.ErrProbeFailed) {
				_ = dev.Put()
				return err
			}
			s.logger.Warn("device left unattached", "bus", dc.Bus, "device", dc.Name, "error", err)
		}
		s.push(func() error {
			err := b.UnregisterDevice(dev)
			if errors.Is(err, bus.ErrNotOnBus) {
				err = nil
			}
			return multierr.Append(err, dev.Put())
		})
	}
	return nil
}

// nextNum assigns the next minor of the named region.
func (s *System) nextNum(name string) (devt.Num, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[name]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", name)
	}
	if r.next >= r.Count {
		return 0, fmt.Errorf("region %q: all %d minors in use: %w", name, r.Count, model.ErrAllocationFailed)
	}
	num := devt.New(r.Major, r.BaseMinor+r.next)
	r.next++
	return num, nil
}

func (s *System) buildDrivers(cfg *Config) error {
	for _, dc := range cfg.Drivers {
		b := s.Bus(dc.Bus)
		if b == nil {
			return fmt.Errorf("driver %q: unknown bus %q", dc.Name, dc.Bus)
		}
		attrs, err := buildAttrs(dc.Attributes)
		if err != nil {
			return fmt.Errorf("driver %q: %w", dc.Name, err)
		}

		drvCfg := bus.DriverConfig{IDs: dc.IDs, Attributes: attrs}
		if dc.Probe == ProbeFail {
			drvCfg.Probe = func(dev *bus.Device) error {
				return fmt.Errorf("driver %q refuses %q by configuration", dc.Name, dev.Name())
			}
		}
		drv, err := bus.NewDriver(dc.Name, drvCfg)
		if err != nil {
			return fmt.Errorf("driver %q: %w", dc.Name, err)
		}
		if err := b.RegisterDriver(drv); err != nil {
			if !onlyProbeFailures(err) {
				_ = drv.Put()
				return err
			}
			for _, perr := range multierr.Errors(err) {
				s.logger.Warn("device left unattached", "bus", dc.Bus, "driver", dc.Name, "error", perr)
			}
		}
		s.push(func() error {
			err := b.UnregisterDriver(drv)
			if errors.Is(err, bus.ErrNotOnBus) {
				err = nil
			}
			return multierr.Append(err, drv.Put())
		})
	}
	return nil
}

func onlyProbeFailures(err error) bool {
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, bus.ErrProbeFailed) {
			return false
		}
	}
	return true
}

func buildAttrs(cfgs []AttrConfig) ([]model.Attribute, error) {
	attrs := make([]model.Attribute, 0, len(cfgs))
	for _, ac := range cfgs {
		var a model.Attribute
		switch ac.Type {
		case AttrInt:
			var v int64
			if ac.Value != "" {
				var err error
				if v, err = strconv.ParseInt(ac.Value, 10, 64); err != nil {
					return nil, fmt.Errorf("attribute %q: %w", ac.Name, err)
				}
			}
			a = model.IntAttribute(ac.Name, model.NewIntValue(v))
		case AttrString:
			limit := ac.Max
			if limit == 0 {
				limit = model.DefaultStringMax
			}
			a = model.StringAttribute(ac.Name, model.NewStringValue(ac.Value, limit))
		default:
			return nil, fmt.Errorf("attribute %q: %w: unknown type %q", ac.Name, ErrInvalidConfig, ac.Type)
		}
		if ac.ReadOnly {
			a.Store = nil
			a.Mode = 0o444
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}
