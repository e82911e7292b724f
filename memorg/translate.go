package memorg

import "fmt"

// Partition is one of the four address bands of a region.
type Partition int

// Partitions, in address order.
const (
	Data Partition = iota
	MerkleTree
	Counter
	MAC
)

func (p Partition) String() string {
	switch p {
	case Data:
		return "data"
	case MerkleTree:
		return "merkle-tree"
	case Counter:
		return "counter"
	case MAC:
		return "mac"
	}
	return fmt.Sprintf("Partition(%d)", int(p))
}

// TreeEntry locates one counter or tree entry. Level NumLevels denotes a
// counter and level 0 the root.
type TreeEntry struct {
	Address uint64
	Level   int
	Index   uint64
}

// IsRoot reports whether the entry sits in the root line.
func (e TreeEntry) IsRoot() bool {
	return e.Level == 0
}

// ChildRange is the window of child lines covered by one metadata line.
type ChildRange struct {
	// Level is the level of the children. It is NumLevels+1 when the children
	// are data blocks.
	Level int
	// Start is the address of the first child line.
	Start uint64
	// NumChildren is the number of child cache lines.
	NumChildren uint64
}

// End returns the first byte after the range.
func (c ChildRange) End() uint64 {
	return c.Start + c.NumChildren*CacheLineSize
}

// Contains reports whether addr lies in one of the child lines.
func (c ChildRange) Contains(addr uint64) bool {
	return addr >= c.Start && addr < c.End()
}

// Contains reports whether addr belongs to the layout's region.
func (l *Layout) Contains(addr uint64) bool {
	return l.region.Contains(addr)
}

// blockNumber is the index of the cache line holding addr, counted from the
// region start.
func (l *Layout) blockNumber(addr uint64) uint64 {
	return (addr - l.region.Start) / CacheLineSize
}

// MACAddress returns the address of the MAC that protects the block at addr.
func (l *Layout) MACAddress(addr uint64) uint64 {
	return l.MACStart() + l.blockNumber(addr)*MACSize
}

// CounterEntry returns the replay counter of the block at addr.
func (l *Layout) CounterEntry(addr uint64) (TreeEntry, error) {
	if l.region.OutOfPlace {
		return TreeEntry{}, fmt.Errorf("%w: counter of 0x%x in region %q",
			ErrNoCounters, addr, l.region.Name)
	}

	index := l.blockNumber(addr)
	return TreeEntry{
		Address: l.CounterStart() + index*l.counter.Bits/bitsPerByte,
		Level:   l.numLevels,
		Index:   index,
	}, nil
}

// ParentEntry returns the entry one level above e. The root is its own
// parent, so callers walking upward must stop at level 0.
func (l *Layout) ParentEntry(e TreeEntry) (TreeEntry, error) {
	if l.region.OutOfPlace {
		return TreeEntry{}, fmt.Errorf("%w: parent of 0x%x in region %q",
			ErrNoCounters, e.Address, l.region.Name)
	}
	if e.Level < 0 || e.Level > l.numLevels {
		return TreeEntry{}, fmt.Errorf("%w: level %d outside 0..%d",
			ErrClassification, e.Level, l.numLevels)
	}
	if e.Level == 0 {
		return e, nil
	}

	divisor := l.arity[e.Level]
	if e.Level == l.numLevels {
		divisor = l.counter.CountersPerLine
	}

	parent := TreeEntry{
		Level: e.Level - 1,
		Index: e.Index / divisor,
	}
	parent.Address = l.levelStart[parent.Level] +
		parent.Index*l.entryBits[parent.Level]/bitsPerByte

	return parent, nil
}

// PartitionOf classifies addr. With protection disabled every address is
// data.
func (l *Layout) PartitionOf(addr uint64) (Partition, error) {
	if !l.protected {
		return Data, nil
	}

	if addr < l.region.Start {
		return 0, l.classificationError(addr)
	}

	dataEnd := l.DataEnd()
	treeEnd := dataEnd + l.treeStoreSize
	counterEnd := treeEnd + l.counterStoreSize
	macEnd := counterEnd + l.macStoreSize

	switch {
	case addr < dataEnd:
		return Data, nil
	case addr < treeEnd:
		return MerkleTree, nil
	case addr < counterEnd:
		return Counter, nil
	case addr < macEnd:
		return MAC, nil
	}
	return 0, l.classificationError(addr)
}

func (l *Layout) classificationError(addr uint64) error {
	return fmt.Errorf("%w: 0x%x not in region %q [0x%x, 0x%x)",
		ErrClassification, addr, l.region.Name, l.region.Start, l.region.End())
}

// EntryAt identifies the counter or tree entry stored at addr. The level is
// the deepest one whose start address is not above addr.
func (l *Layout) EntryAt(addr uint64) (TreeEntry, error) {
	if l.region.OutOfPlace {
		return TreeEntry{}, fmt.Errorf("%w: metadata at 0x%x in region %q",
			ErrNoCounters, addr, l.region.Name)
	}
	if addr < l.TreeStart() || addr >= l.MACStart() {
		return TreeEntry{}, fmt.Errorf("%w: 0x%x is not tree or counter metadata",
			ErrClassification, addr)
	}

	if addr >= l.TreeEnd() && addr < l.CounterStart() {
		// The tree store is sized to at least twice the deepest level, so
		// the lines between the deepest level and the counters hold nothing.
		return TreeEntry{}, fmt.Errorf("%w: 0x%x lies in tree padding",
			ErrClassification, addr)
	}

	level := l.levelOf(addr)

	return TreeEntry{
		Address: addr,
		Level:   level,
		Index:   (addr - l.levelStart[level]) * bitsPerByte / l.entryBits[level],
	}, nil
}

// levelOf returns the deepest level whose start is not above addr. addr
// must not lie below the root.
func (l *Layout) levelOf(addr uint64) int {
	for i := l.numLevels; i > 0; i-- {
		if addr >= l.levelStart[i] {
			return i
		}
	}
	return 0
}

// EvictionParent returns the parent entry of the metadata stored at addr.
// This is the entry that must be brought up to date before the line holding
// addr may leave the cache.
func (l *Layout) EvictionParent(addr uint64) (TreeEntry, error) {
	child, err := l.EntryAt(addr)
	if err != nil {
		return TreeEntry{}, err
	}
	return l.ParentEntry(child)
}

// ChildRange returns the lines authenticated by the metadata line holding
// addr. Children of a counter line are data blocks.
func (l *Layout) ChildRange(addr uint64) (ChildRange, error) {
	lineAddr := addr / CacheLineSize * CacheLineSize

	entry, err := l.EntryAt(lineAddr)
	if err != nil {
		return ChildRange{}, err
	}

	if entry.Level == l.numLevels {
		return ChildRange{
			Level:       l.numLevels + 1,
			Start:       l.region.Start + entry.Index*CacheLineSize,
			NumChildren: l.counter.Arity(),
		}, nil
	}

	return ChildRange{
		Level:       entry.Level + 1,
		Start:       l.levelStart[entry.Level+1] + entry.Index*CacheLineSize,
		NumChildren: l.arity[entry.Level],
	}, nil
}
