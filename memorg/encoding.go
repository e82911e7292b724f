// Package memorg computes where integrity metadata lives in protected memory.
//
// A protected region is split into four contiguous partitions: data, the
// Merkle tree, the replay counters and the MACs. The layout of each partition
// is derived once from a Region and an EncodingTable, and every translation
// (data block to counter, counter to tree parent, tree node to children) is a
// pure function of that layout.
package memorg

import (
	"fmt"
	"strings"
)

const (
	// CacheLineSize is the size of one protected block and one metadata line.
	CacheLineSize = 64
	// MACSize is the number of bytes of MAC stored per protected block.
	MACSize = 8
	// NumLevelVariants is the number of per-level tree encodings a region can
	// configure: leaf, parent, grandparent, great-grandparent and all others.
	NumLevelVariants = 5

	bitsPerByte  = 8
	bitsPerLine  = CacheLineSize * bitsPerByte
	maxLevelSlot = NumLevelVariants - 1
)

// CounterMode selects how replay counters (or tree entries) are packed into a
// cache line.
type CounterMode int

// Counter encodings. The split designs share one major counter per line
// between many minor counters, which is what makes sub-byte sizes possible.
const (
	// Mono8 is the SGX design: 8-byte counters, 8 per line.
	Mono8 CounterMode = iota + 1
	// Split16: 2 x 64-bit major, 16 x 16-bit minor.
	Split16
	// Split32: 2 x 48-bit major, 32 x 9-bit minor.
	Split32
	// Split64: 1 x 64-bit major, 64 x 6-bit minor.
	Split64
	// Split32V1: 1 x 64-bit major, 32 x 12-bit minor.
	Split32V1
	// Split16V1: 1 x 64-bit major, 16 x 24-bit minor.
	Split16V1
	// Split64V1: 1 x 64-bit major, 64 x 7-bit minor.
	Split64V1
	// Split128: 1 x 64-bit major, 128 x 3-bit minor.
	Split128
	// Split128V1: 1 x 64-bit major, 128 x 3.5-bit minor.
	Split128V1
	// Split256: 1 x 64-bit major, 256 x 2-bit minor.
	Split256
	// Split512: 1 x 64-bit major, 512 x 1-bit minor.
	Split512
	// Split128FullDual: 53-bit major, 2 x 10-bit medium, 2 x 64 x 3-bit minor.
	Split128FullDual
	// Split128UncDual starts as Split128FullDual and devolves to two
	// uncompressed bases.
	Split128UncDual
	// Split128Unc7bIntDual is Split128UncDual with a 49-bit major and 7-bit
	// medium counters.
	Split128Unc7bIntDual
)

var counterModeNames = map[CounterMode]string{
	Mono8:                "MONO8_CTR",
	Split16:              "SPLIT16_CTR",
	Split32:              "SPLIT32_CTR",
	Split64:              "SPLIT64_CTR",
	Split32V1:            "SPLIT32_CTR_v1",
	Split16V1:            "SPLIT16_CTR_v1",
	Split64V1:            "SPLIT64_CTR_v1",
	Split128:             "SPLIT128_CTR",
	Split128V1:           "SPLIT128_CTR_v1",
	Split256:             "SPLIT256_CTR",
	Split512:             "SPLIT512_CTR",
	Split128FullDual:     "SPLIT128_FULL_DUAL",
	Split128UncDual:      "SPLIT128_UNC_DUAL",
	Split128Unc7bIntDual: "SPLIT128_UNC_7bINT_DUAL",
}

// String returns the canonical name of the mode.
func (m CounterMode) String() string {
	if name, ok := counterModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("CounterMode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m CounterMode) MarshalText() ([]byte, error) {
	name, ok := counterModeNames[m]
	if !ok {
		return nil, fmt.Errorf("%w: unknown counter mode %d", ErrConfiguration, int(m))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Names are matched
// case-insensitively.
func (m *CounterMode) UnmarshalText(text []byte) error {
	mode, err := ParseCounterMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseCounterMode looks up a mode by its canonical name.
func ParseCounterMode(name string) (CounterMode, error) {
	for mode, n := range counterModeNames {
		if strings.EqualFold(n, name) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown counter mode %q", ErrConfiguration, name)
}

// Encoding describes one counter design.
type Encoding struct {
	// Bits is the storage cost of one counter (or one tree entry) in bits.
	// Fractional byte sizes such as 0.125 bytes are exact here.
	Bits uint64
	// CountersPerLine is the number of counters that share a cache line and
	// therefore one parent tree entry.
	CountersPerLine uint64
	// TreeCapable reports whether the design can also be used for Merkle-tree
	// entries.
	TreeCapable bool
}

// SizeBytes returns the size of one counter in bytes, possibly fractional.
func (e Encoding) SizeBytes() float64 {
	return float64(e.Bits) / bitsPerByte
}

// Arity returns how many entries of this encoding fit in one cache line.
func (e Encoding) Arity() uint64 {
	return bitsPerLine / e.Bits
}

// EncodingTable maps counter modes to their encodings. It is immutable once
// built; share it freely between layouts.
type EncodingTable struct {
	entries map[CounterMode]Encoding
}

// DefaultEncodingTable returns the table of all supported counter designs.
func DefaultEncodingTable() EncodingTable {
	return EncodingTable{entries: map[CounterMode]Encoding{
		Mono8:                {Bits: 64, CountersPerLine: 8, TreeCapable: true},
		Split16:              {Bits: 32, CountersPerLine: 8, TreeCapable: true},
		Split32:              {Bits: 16, CountersPerLine: 16, TreeCapable: true},
		Split64:              {Bits: 8, CountersPerLine: 64, TreeCapable: true},
		Split32V1:            {Bits: 16, CountersPerLine: 32, TreeCapable: true},
		Split16V1:            {Bits: 32, CountersPerLine: 16, TreeCapable: true},
		Split64V1:            {Bits: 8, CountersPerLine: 64, TreeCapable: true},
		Split128:             {Bits: 4, CountersPerLine: 128, TreeCapable: true},
		Split128V1:           {Bits: 4, CountersPerLine: 128, TreeCapable: true},
		Split256:             {Bits: 2, CountersPerLine: 256, TreeCapable: true},
		Split512:             {Bits: 1, CountersPerLine: 512, TreeCapable: true},
		Split128FullDual:     {Bits: 4, CountersPerLine: 128},
		Split128UncDual:      {Bits: 4, CountersPerLine: 128},
		Split128Unc7bIntDual: {Bits: 4, CountersPerLine: 128},
	}}
}

// Lookup returns the counter encoding of mode.
func (t EncodingTable) Lookup(mode CounterMode) (Encoding, error) {
	enc, ok := t.entries[mode]
	if !ok {
		return Encoding{}, fmt.Errorf("%w: unknown counter mode %s", ErrConfiguration, mode)
	}
	return enc, nil
}

// LookupTreeEntry returns the encoding of mode used as a Merkle-tree entry.
// The dual designs only exist as leaf counters.
func (t EncodingTable) LookupTreeEntry(mode CounterMode) (Encoding, error) {
	enc, err := t.Lookup(mode)
	if err != nil {
		return Encoding{}, err
	}
	if !enc.TreeCapable {
		return Encoding{}, fmt.Errorf("%w: %s has no tree-entry encoding", ErrConfiguration, mode)
	}
	return enc, nil
}

// Modes returns every mode known to the table.
func (t EncodingTable) Modes() []CounterMode {
	modes := make([]CounterMode, 0, len(t.entries))
	for m := Mono8; m <= Split128Unc7bIntDual; m++ {
		if _, ok := t.entries[m]; ok {
			modes = append(modes, m)
		}
	}
	return modes
}
