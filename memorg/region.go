package memorg

import "fmt"

// Size units used by region descriptors.
const (
	KB uint64 = 1024
	MB        = 1024 * KB
	GB        = 1024 * MB
)

// Region describes one contiguous protected memory range.
type Region struct {
	// Name identifies the region in logs and reports.
	Name string `json:"name" yaml:"name"`
	// Start is the first physical byte of the region.
	Start uint64 `json:"start" yaml:"start"`
	// Size is the total number of bytes, metadata included.
	Size uint64 `json:"size" yaml:"size"`
	// CounterMode selects the replay-counter encoding.
	CounterMode CounterMode `json:"counter_mode" yaml:"counter_mode"`
	// OutOfPlace regions keep MACs only: no counters and no tree.
	OutOfPlace bool `json:"out_of_place" yaml:"out_of_place"`
	// LevelModes holds the tree-entry encoding of the leaf level, its parent,
	// grandparent, great-grandparent, and all levels above.
	LevelModes [NumLevelVariants]CounterMode `json:"level_modes" yaml:"level_modes"`
}

// UniformLevels returns a level-mode array that uses mode at every level.
func UniformLevels(mode CounterMode) [NumLevelVariants]CounterMode {
	var levels [NumLevelVariants]CounterMode
	for i := range levels {
		levels[i] = mode
	}
	return levels
}

// End returns the first byte after the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Overlaps reports whether the two regions share any byte.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// Validate checks that the region can be laid out with table.
func (r Region) Validate(table EncodingTable) error {
	if r.Size == 0 {
		return fmt.Errorf("%w: region %q has zero size", ErrConfiguration, r.Name)
	}
	if r.Start%CacheLineSize != 0 {
		return fmt.Errorf("%w: region %q start 0x%x is not line aligned",
			ErrConfiguration, r.Name, r.Start)
	}
	if r.Size%CacheLineSize != 0 {
		return fmt.Errorf("%w: region %q size %d is not a multiple of %d",
			ErrConfiguration, r.Name, r.Size, CacheLineSize)
	}
	if r.End() < r.Start {
		return fmt.Errorf("%w: region %q wraps the address space", ErrConfiguration, r.Name)
	}
	if _, err := table.Lookup(r.CounterMode); err != nil {
		return fmt.Errorf("region %q: %w", r.Name, err)
	}
	if r.OutOfPlace {
		return nil
	}
	for i, mode := range r.LevelModes {
		if _, err := table.LookupTreeEntry(mode); err != nil {
			return fmt.Errorf("region %q level variant %d: %w", r.Name, i, err)
		}
	}
	return nil
}
