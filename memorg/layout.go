package memorg

import "fmt"

// Layout is the partitioning of one region into data, Merkle tree, counters
// and MACs. It is computed once by BuildLayout and never changes.
//
// Tree levels are numbered from the root (level 0) down to the counter store
// (level NumLevels). The counters are the leaves of the authentication chain;
// the tree proper occupies levels 0 to NumLevels-1.
type Layout struct {
	region    Region
	counter   Encoding
	protected bool

	counterStoreSize uint64
	macStoreSize     uint64
	treeStoreSize    uint64
	numLevels        int
	numRootEntries   uint64

	// Indexed 0 (root) to numLevels (counter store).
	levelStart []uint64
	levelSize  []uint64
	entryBits  []uint64
	arity      []uint64
}

type layoutOptions struct {
	unprotected bool
}

// LayoutOption customizes BuildLayout.
type LayoutOption func(*layoutOptions)

// WithoutProtection marks integrity protection as globally disabled. Every
// address of such a layout classifies as data.
func WithoutProtection() LayoutOption {
	return func(o *layoutOptions) {
		o.unprotected = true
	}
}

// BuildLayout derives the partition sizes and tree-level addresses of r.
func BuildLayout(r Region, table EncodingTable, opts ...LayoutOption) (*Layout, error) {
	var o layoutOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := r.Validate(table); err != nil {
		return nil, err
	}

	counter, err := table.Lookup(r.CounterMode)
	if err != nil {
		return nil, err
	}

	numLines := r.Size / CacheLineSize
	l := &Layout{
		region:       r,
		counter:      counter,
		protected:    !o.unprotected,
		macStoreSize: numLines * MACSize,
	}

	if r.OutOfPlace {
		// MAC-only: no counters, no tree, no levels.
		return l, nil
	}

	l.counterStoreSize = numLines * counter.Bits / bitsPerByte

	var slotBits [NumLevelVariants]uint64
	for i, mode := range r.LevelModes {
		enc, err := table.LookupTreeEntry(mode)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", r.Name, err)
		}
		slotBits[i] = enc.Bits
	}

	l.growTree(slotBits)
	if l.macStoreSize+l.counterStoreSize+l.treeStoreSize > r.Size {
		return nil, fmt.Errorf("%w: region %q is too small for its metadata",
			ErrConfiguration, r.Name)
	}
	l.assignLevels(slotBits)
	l.placeLevels()

	return l, nil
}

// growTree sizes the tree bottom-up. Each iteration produces the level that
// covers the previous one with one entry per cache line, until a level fits
// in a single line.
func (l *Layout) growTree(slotBits [NumLevelVariants]uint64) {
	levelSize := l.counterStoreSize
	total := uint64(0)
	levels := 0

	for levelSize > CacheLineSize {
		numElements := levelSize / CacheLineSize
		levelSize = numElements * slotBits[levelSlot(levels)] / bitsPerByte
		levels++
		total += levelSize
	}

	l.numLevels = levels
	if levels > 0 {
		l.numRootEntries = levelSize * bitsPerByte / slotBits[levelSlot(levels-1)]
	}

	leafSize := l.counterStoreSize / CacheLineSize * slotBits[0] / bitsPerByte
	l.treeStoreSize = max(2*leafSize, total)
}

// assignLevels fills the per-level entry sizes top-down. Slot 0 belongs to the
// level directly above the counters.
func (l *Layout) assignLevels(slotBits [NumLevelVariants]uint64) {
	n := l.numLevels
	l.entryBits = make([]uint64, n+1)
	l.arity = make([]uint64, n+1)

	for i := 0; i < n; i++ {
		level := n - 1 - i
		l.entryBits[level] = slotBits[levelSlot(i)]
		l.arity[level] = bitsPerLine / l.entryBits[level]
	}
	l.entryBits[n] = l.counter.Bits
	l.arity[n] = l.counter.Arity()
}

// placeLevels computes level sizes and start addresses. The root is a single
// line at the bottom of the tree partition; the counter store starts right
// after the tree partition.
func (l *Layout) placeLevels() {
	n := l.numLevels
	l.levelSize = make([]uint64, n+1)
	l.levelStart = make([]uint64, n+1)

	if n == 0 {
		l.levelSize[0] = l.counterStoreSize
		l.levelStart[0] = l.CounterStart()
		return
	}

	l.levelSize[0] = CacheLineSize
	for i := 1; i <= n; i++ {
		if i == 1 {
			l.levelSize[i] = l.levelSize[0] * l.numRootEntries
		} else {
			l.levelSize[i] = l.levelSize[i-1] * l.arity[i-1]
		}
	}

	l.levelStart[0] = l.TreeStart()
	l.levelStart[n] = l.CounterStart()
	for i := 1; i < n; i++ {
		if i == 1 {
			l.levelStart[i] = l.levelStart[0] + CacheLineSize
		} else {
			l.levelStart[i] = l.levelStart[i-1] + l.levelSize[i-1]
		}
	}
}

// levelSlot maps a bottom-up level count onto one of the configurable
// level variants. Levels past the fourth reuse the last variant.
func levelSlot(i int) int {
	return min(i, maxLevelSlot)
}

// Region returns the region this layout was built for.
func (l *Layout) Region() Region {
	return l.region
}

// Protected reports whether integrity protection is enabled.
func (l *Layout) Protected() bool {
	return l.protected
}

// OutOfPlace reports whether the region keeps MACs only.
func (l *Layout) OutOfPlace() bool {
	return l.region.OutOfPlace
}

// CounterEncoding returns the encoding of the replay counters.
func (l *Layout) CounterEncoding() Encoding {
	return l.counter
}

// CounterStoreSize returns the size of the counter partition in bytes.
func (l *Layout) CounterStoreSize() uint64 {
	return l.counterStoreSize
}

// MACStoreSize returns the size of the MAC partition in bytes.
func (l *Layout) MACStoreSize() uint64 {
	return l.macStoreSize
}

// TreeStoreSize returns the size of the Merkle-tree partition in bytes.
func (l *Layout) TreeStoreSize() uint64 {
	return l.treeStoreSize
}

// NumLevels returns the number of tree levels above the counters. It is zero
// for out-of-place regions.
func (l *Layout) NumLevels() int {
	return l.numLevels
}

// NumRootEntries returns the number of entries held by the root line.
func (l *Layout) NumRootEntries() uint64 {
	return l.numRootEntries
}

// LevelStart returns the first byte of a tree level. Level NumLevels is the
// counter store.
func (l *Layout) LevelStart(level int) uint64 {
	return l.levelStart[level]
}

// LevelSize returns the size in bytes of a tree level.
func (l *Layout) LevelSize(level int) uint64 {
	return l.levelSize[level]
}

// EntryBits returns the size in bits of one entry at level.
func (l *Layout) EntryBits(level int) uint64 {
	return l.entryBits[level]
}

// Arity returns how many entries of level share one cache line, which is also
// the number of children covered by one line of the level above.
func (l *Layout) Arity(level int) uint64 {
	return l.arity[level]
}

// DataEnd returns the first byte after the data partition.
func (l *Layout) DataEnd() uint64 {
	return l.region.End() - l.macStoreSize - l.counterStoreSize - l.treeStoreSize
}

// TreeStart returns the first byte of the Merkle-tree partition.
func (l *Layout) TreeStart() uint64 {
	return l.DataEnd()
}

// TreeEnd returns the first byte after the deepest tree level. The deepest
// level holds one entry per counter line. Lines from here to CounterStart
// are padding.
func (l *Layout) TreeEnd() uint64 {
	if l.numLevels == 0 {
		return l.TreeStart()
	}
	deepest := l.numLevels - 1
	counterLines := l.counterStoreSize / CacheLineSize
	return l.levelStart[deepest] + counterLines*l.entryBits[deepest]/bitsPerByte
}

// CounterStart returns the first byte of the counter partition.
func (l *Layout) CounterStart() uint64 {
	return l.region.End() - l.macStoreSize - l.counterStoreSize
}

// MACStart returns the first byte of the MAC partition.
func (l *Layout) MACStart() uint64 {
	return l.region.End() - l.macStoreSize
}

// String summarizes the layout.
func (l *Layout) String() string {
	return fmt.Sprintf("%s[0x%x+%d]: data<0x%x tree=%d ctr=%d mac=%d levels=%d roots=%d",
		l.region.Name, l.region.Start, l.region.Size, l.DataEnd(),
		l.treeStoreSize, l.counterStoreSize, l.macStoreSize,
		l.numLevels, l.numRootEntries)
}
