// Package devt allocates character device numbers.
//
// A device number packs a major and a minor into a Num the same way the
// kernel's MKDEV does (20 minor bits). Regions of consecutive minors are
// handed out by an Allocator, either under a fixed major (RegisterRegion)
// or under a dynamically chosen one (AllocRegion).
package devt

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

const (
	// MinorBits is the number of bits holding the minor.
	MinorBits = 20

	// MinorMask masks the minor out of a Num.
	MinorMask = 1<<MinorBits - 1

	// MaxMajor is the largest major an Allocator hands out.
	MaxMajor = 511
)

// Dynamic major ranges, searched top down in this order.
var dynamicRanges = [][2]uint32{
	{254, 234},
	{511, 384},
}

var (
	// ErrBusy is returned when a region overlaps one already allocated.
	ErrBusy = errors.New("device number range busy")

	// ErrInvalidRange is returned for empty or out-of-range regions.
	ErrInvalidRange = errors.New("invalid device number range")

	// ErrNoMajor is returned when no dynamic major is free.
	ErrNoMajor = fmt.Errorf("%w: no free dynamic major", model.ErrAllocationFailed)

	// ErrUnknownRegion is returned by Release for a region that is not
	// allocated.
	ErrUnknownRegion = errors.New("unknown region")
)

// Num is a packed device number.
type Num uint32

// New packs major and minor.
func New(major, minor uint32) Num {
	return Num(major<<MinorBits | minor&MinorMask)
}

// Major returns the major number.
func (n Num) Major() uint32 { return uint32(n) >> MinorBits }

// Minor returns the minor number.
func (n Num) Minor() uint32 { return uint32(n) & MinorMask }

// IsZero reports whether n is the zero device number.
func (n Num) IsZero() bool { return n == 0 }

// String returns "major:minor".
func (n Num) String() string {
	return strconv.FormatUint(uint64(n.Major()), 10) + ":" + strconv.FormatUint(uint64(n.Minor()), 10)
}

// Parse parses "major:minor".
func Parse(s string) (Num, error) {
	majStr, minStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	major, err := strconv.ParseUint(majStr, 10, 32)
	if err != nil || major > MaxMajor {
		return 0, fmt.Errorf("%w: major %q", ErrInvalidRange, majStr)
	}
	minor, err := strconv.ParseUint(minStr, 10, 32)
	if err != nil || minor > MinorMask {
		return 0, fmt.Errorf("%w: minor %q", ErrInvalidRange, minStr)
	}
	return New(uint32(major), uint32(minor)), nil
}

// Region is a run of Count minors starting at BaseMinor under Major.
type Region struct {
	Name      string
	Major     uint32
	BaseMinor uint32
	Count     uint32
}

// First returns the first device number of the region.
func (r Region) First() Num {
	return New(r.Major, r.BaseMinor)
}

// Contains reports whether n lies in the region.
func (r Region) Contains(n Num) bool {
	return n.Major() == r.Major && n.Minor() >= r.BaseMinor && n.Minor() < r.BaseMinor+r.Count
}

func (r Region) overlaps(o Region) bool {
	return r.Major == o.Major && r.BaseMinor < o.BaseMinor+o.Count && o.BaseMinor < r.BaseMinor+r.Count
}

// String returns e.g. "my_device 240:0+1".
func (r Region) String() string {
	return fmt.Sprintf("%s %s+%d", r.Name, r.First(), r.Count)
}

// Allocator tracks allocated regions. The zero value is ready to use.
type Allocator struct {
	mu      sync.Mutex
	byMajor map[uint32][]Region
}

// NewAllocator creates an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

func validRange(baseMinor, count uint32) bool {
	return count > 0 && uint64(baseMinor)+uint64(count) <= MinorMask+1
}

// AllocRegion reserves count minors starting at baseMinor under a free
// dynamic major, the equivalent of alloc_chrdev_region.
func (a *Allocator) AllocRegion(name string, baseMinor, count uint32) (Region, error) {
	if !validRange(baseMinor, count) {
		return Region{}, fmt.Errorf("alloc %q: %w", name, ErrInvalidRange)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rng := range dynamicRanges {
		for major := rng[0]; major >= rng[1]; major-- {
			if len(a.byMajor[major]) > 0 {
				continue
			}
			r := Region{Name: name, Major: major, BaseMinor: baseMinor, Count: count}
			a.insert(r)
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("alloc %q: %w", name, ErrNoMajor)
}

// RegisterRegion reserves count minors starting at first, the equivalent
// of register_chrdev_region.
func (a *Allocator) RegisterRegion(name string, first Num, count uint32) (Region, error) {
	if first.Major() == 0 || first.Major() > MaxMajor || !validRange(first.Minor(), count) {
		return Region{}, fmt.Errorf("register %q at %s: %w", name, first, ErrInvalidRange)
	}
	r := Region{Name: name, Major: first.Major(), BaseMinor: first.Minor(), Count: count}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, o := range a.byMajor[r.Major] {
		if r.overlaps(o) {
			return Region{}, fmt.Errorf("register %q at %s: %w (held by %q)", name, first, ErrBusy, o.Name)
		}
	}
	a.insert(r)
	return r, nil
}

// Release frees a region returned by AllocRegion or RegisterRegion.
func (a *Allocator) Release(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	regions := a.byMajor[r.Major]
	for i, o := range regions {
		if o == r {
			a.byMajor[r.Major] = append(regions[:i], regions[i+1:]...)
			if len(a.byMajor[r.Major]) == 0 {
				delete(a.byMajor, r.Major)
			}
			return nil
		}
	}
	return fmt.Errorf("release %s: %w", r, ErrUnknownRegion)
}

// Regions returns all allocated regions ordered by major and base minor.
func (a *Allocator) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Region
	for _, regions := range a.byMajor {
		out = append(out, regions...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Major != out[j].Major {
			return out[i].Major < out[j].Major
		}
		return out[i].BaseMinor < out[j].BaseMinor
	})
	return out
}

// Caller holds a.mu.
func (a *Allocator) insert(r Region) {
	if a.byMajor == nil {
		a.byMajor = make(map[uint32][]Region)
	}
	a.byMajor[r.Major] = append(a.byMajor[r.Major], r)
}

// Attribute returns the read-only "dev" attribute showing num.
func Attribute(num Num) model.Attribute {
	return model.ReadOnlyAttribute("dev", func(*model.Node) string {
		return num.String()
	})
}
