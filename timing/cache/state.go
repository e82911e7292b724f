package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// LineState is the state of one cache line.
type LineState int

// Line states. A fill leaves a line Clean, a write makes it Modified.
const (
	Invalid LineState = iota
	Clean
	Modified
)

func (s LineState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case Modified:
		return "Modified"
	default:
		return "Invalid"
	}
}

// StateOf returns the state of block. A nil block is Invalid.
func StateOf(block *akitacache.Block) LineState {
	switch {
	case block == nil || !block.IsValid:
		return Invalid
	case block.IsDirty:
		return Modified
	default:
		return Clean
	}
}

// PendingKind names the request left pending on a line.
type PendingKind int

// Pending request kinds.
const (
	// PendingFill is a refused fetch of a line that is not resident.
	PendingFill PendingKind = iota
	// PendingClean is a refused write-back of a resident modified line.
	PendingClean
)

func (k PendingKind) String() string {
	if k == PendingClean {
		return "clean"
	}
	return "fill"
}

// Pending is the record kept in the pending-request table for a line.
type Pending struct {
	Kind    PendingKind
	Request Request
}

// NeedsResident reports whether the line must stay in the cache until the
// pending request completes.
func (p *Pending) NeedsResident() bool {
	return p.Kind == PendingClean
}
