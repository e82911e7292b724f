package metcache

import (
	"github.com/sarchlab/metsim/memorg"
)

// WalkResult describes one tree walk.
type WalkResult struct {
	// Visited lists the entries read, from the starting entry upwards.
	Visited []memorg.TreeEntry
	// Hit is true if the walk stopped on an entry already in the cache.
	Hit bool
	// Latency is the sum of the latencies of all steps.
	Latency uint64
}

// walk reads entries from start upwards until one is found in the cache or
// the root has been read. Every step is issued to the cache whether it hits
// or not. On error, the returned entry is the one whose read was refused.
func (c *Controller) walk(
	layout *memorg.Layout,
	start memorg.TreeEntry,
) (WalkResult, memorg.TreeEntry, error) {
	var result WalkResult
	entry := start
	for {
		hit := c.cache.Probe(entry.Address)

		access, err := c.cache.Read(entry.Address, 0)
		if err != nil {
			return result, entry, err
		}

		c.stats.WalkSteps++
		result.Visited = append(result.Visited, entry)
		result.Latency += access.Latency

		if hit {
			c.stats.WalkHits++
			result.Hit = true
			return result, entry, nil
		}
		if entry.IsRoot() {
			return result, entry, nil
		}

		parent, err := layout.ParentEntry(entry)
		if err != nil {
			return result, entry, err
		}
		entry = parent
	}
}
