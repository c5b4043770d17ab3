package match

import (
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Mugglen/LinuxNote/pkg/bus"
)

// DeviceEnv is the "device" variable of a match expression.
type DeviceEnv struct {
	Name string `expr:"name"`
	ID   string `expr:"id"`
	Dev  string `expr:"dev"`
	Data any    `expr:"data"`
}

// DriverEnv is the "driver" variable of a match expression.
type DriverEnv struct {
	Name string   `expr:"name"`
	IDs  []string `expr:"ids"`
}

// Env is the environment match expressions are compiled against.
type Env struct {
	Device DeviceEnv `expr:"device"`
	Driver DriverEnv `expr:"driver"`
}

// ExprMatcher evaluates a compiled boolean expression, for example
//
//	device.name in driver.ids || hasPrefix(driver.name, device.name)
type ExprMatcher struct {
	source  string
	program *vm.Program
	errors  atomic.Int64
}

// Expr compiles source. The expression must evaluate to a bool.
func Expr(source string) (*ExprMatcher, error) {
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile match expression: %w", err)
	}
	return &ExprMatcher{source: source, program: program}, nil
}

// Source returns the expression text.
func (m *ExprMatcher) Source() string { return m.source }

// Errors returns how many evaluations failed at run time. A failed
// evaluation counts as no match.
func (m *ExprMatcher) Errors() int64 { return m.errors.Load() }

// Eval runs the expression for one device/driver pair.
func (m *ExprMatcher) Eval(dev *bus.Device, drv *bus.Driver) (bool, error) {
	env := Env{
		Device: DeviceEnv{
			Name: dev.Name(),
			ID:   DeviceID(dev),
			Data: dev.Data(),
		},
		Driver: DriverEnv{
			Name: drv.Name(),
			IDs:  drv.IDs(),
		},
	}
	if !dev.DevNum().IsZero() {
		env.Device.Dev = dev.DevNum().String()
	}

	out, err := expr.Run(m.program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Match implements bus.MatchFunc.
func (m *ExprMatcher) Match(dev *bus.Device, drv *bus.Driver) bool {
	ok, err := m.Eval(dev, drv)
	if err != nil {
		m.errors.Add(1)
		return false
	}
	return ok
}
