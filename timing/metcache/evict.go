package metcache

import (
	"errors"
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/metsim/memorg"
	"github.com/sarchlab/metsim/timing/cache"
)

// HandleEvictions implements cache.Evictor. If any victim is still needed by
// a pending request the whole set is left alone. Otherwise the parent entry
// of every modified victim is read and marked modified before any victim
// leaves the cache.
func (c *Controller) HandleEvictions(victims []*akitacache.Block) error {
	if err := c.cache.CheckEvictable(victims); err != nil {
		c.stats.Conflicts++
		c.log.Info("eviction blocked", "reason", err.Error())
		return err
	}

	// Locked victims are skipped by the victim finder, so repairs that miss
	// in the same set cannot pick them.
	var locked []*akitacache.Block
	defer func() {
		for _, v := range locked {
			v.IsLocked = false
		}
	}()
	for _, v := range victims {
		if v.IsValid {
			v.IsLocked = true
			locked = append(locked, v)
		}
	}

	for _, v := range locked {
		if !v.IsDirty {
			continue
		}
		if err := c.repair(v.Tag); err != nil {
			return fmt.Errorf("repair before evicting 0x%x: %w", v.Tag, err)
		}
	}

	return c.cache.EvictBlocks(victims)
}

// repair brings the parent of the metadata line at addr into the cache and
// marks it modified. Lines that are not tree or counter metadata, and root
// lines, have no parent to repair.
func (c *Controller) repair(addr uint64) error {
	parent, ok := c.repairTarget(addr)
	if !ok {
		return nil
	}

	layout, err := c.regions.Find(addr)
	if err != nil {
		return err
	}

	if _, _, err := c.walk(layout, parent); err != nil {
		return err
	}
	if _, err := c.cache.Write(parent.Address, 0, 0); err != nil {
		return err
	}

	c.stats.Repairs++
	c.log.Info("repaired parent", "child", addr, "parent", parent.Address,
		"level", parent.Level)
	return nil
}

func (c *Controller) repairTarget(addr uint64) (memorg.TreeEntry, bool) {
	layout, err := c.regions.Find(addr)
	if err != nil || layout.OutOfPlace() || !layout.Protected() {
		return memorg.TreeEntry{}, false
	}

	partition, err := layout.PartitionOf(addr)
	if err != nil || (partition != memorg.MerkleTree && partition != memorg.Counter) {
		return memorg.TreeEntry{}, false
	}

	child, err := layout.EntryAt(addr)
	if err != nil {
		if !errors.Is(err, memorg.ErrClassification) {
			c.log.Error(err, "unexpected metadata line", "addr", addr)
		}
		return memorg.TreeEntry{}, false
	}
	if child.IsRoot() {
		return memorg.TreeEntry{}, false
	}

	parent, err := layout.ParentEntry(child)
	if err != nil {
		c.log.Error(err, "no parent for metadata line", "addr", addr)
		return memorg.TreeEntry{}, false
	}
	return parent, true
}

var _ cache.Evictor = (*Controller)(nil)
