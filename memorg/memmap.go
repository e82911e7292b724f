package memorg

import (
	"fmt"
	"sort"
)

// Config describes every protected region of the system.
type Config struct {
	// Regions lists the regions. They must not overlap.
	Regions []Region `json:"regions" yaml:"regions"`
	// Unprotected disables integrity protection for all regions.
	Unprotected bool `json:"unprotected" yaml:"unprotected"`
}

// DefaultConfig returns the two-region system: a 16MB out-of-place region at
// address 0 followed by the home region covering the rest of 8GB.
func DefaultConfig() Config {
	return Config{
		Regions: []Region{
			{
				Name:        "oop",
				Start:       0,
				Size:        16 * MB,
				CounterMode: Mono8,
				OutOfPlace:  true,
				LevelModes:  UniformLevels(Split64V1),
			},
			{
				Name:        "home",
				Start:       16 * MB,
				Size:        8*GB - 16*MB,
				CounterMode: Mono8,
				LevelModes:  UniformLevels(Split64V1),
			},
		},
	}
}

// Validate checks every region and that no two regions overlap.
func (c Config) Validate(table EncodingTable) error {
	if len(c.Regions) == 0 {
		return fmt.Errorf("%w: no regions configured", ErrConfiguration)
	}
	for i, r := range c.Regions {
		if err := r.Validate(table); err != nil {
			return err
		}
		for _, other := range c.Regions[:i] {
			if r.Overlaps(other) {
				return fmt.Errorf("%w: regions %q and %q overlap",
					ErrConfiguration, other.Name, r.Name)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c Config) Clone() Config {
	regions := make([]Region, len(c.Regions))
	copy(regions, c.Regions)
	return Config{Regions: regions, Unprotected: c.Unprotected}
}

// Map holds the layouts of all regions, sorted by start address.
type Map struct {
	layouts []*Layout
}

// NewMap lays out every region of cfg.
func NewMap(cfg Config, table EncodingTable) (*Map, error) {
	if err := cfg.Validate(table); err != nil {
		return nil, err
	}

	var opts []LayoutOption
	if cfg.Unprotected {
		opts = append(opts, WithoutProtection())
	}

	m := &Map{}
	for _, r := range cfg.Regions {
		l, err := BuildLayout(r, table, opts...)
		if err != nil {
			return nil, err
		}
		m.layouts = append(m.layouts, l)
	}

	sort.Slice(m.layouts, func(i, j int) bool {
		return m.layouts[i].region.Start < m.layouts[j].region.Start
	})

	return m, nil
}

// Layouts returns all layouts in address order.
func (m *Map) Layouts() []*Layout {
	return m.layouts
}

// Find returns the layout of the region containing addr.
func (m *Map) Find(addr uint64) (*Layout, error) {
	i := sort.Search(len(m.layouts), func(i int) bool {
		return m.layouts[i].region.End() > addr
	})
	if i < len(m.layouts) && m.layouts[i].Contains(addr) {
		return m.layouts[i], nil
	}
	return nil, fmt.Errorf("%w: 0x%x is in no region", ErrClassification, addr)
}

// Home returns the first region that keeps counters and a tree.
func (m *Map) Home() (*Layout, error) {
	for _, l := range m.layouts {
		if !l.region.OutOfPlace {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: no in-place region", ErrNoCounters)
}
