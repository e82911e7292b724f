// Package metcache implements a metadata cache that keeps the integrity tree
// consistent while counters and tree nodes move between the cache and
// memory.
//
// The Controller exposes two request entry points. The ordinary port is a
// plain write-back cache. The secure port is used by the memory encryption
// engine: a secure read walks the tree from a block's counter towards the
// root until it meets a cached ancestor, and a secure write updates the
// counter line. Modified metadata lines are never evicted before their
// parent entry has been pulled in and marked modified.
package metcache

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/metsim/memorg"
	"github.com/sarchlab/metsim/timing/cache"
)

// ErrBypassed is returned by the secure port while integrity checking is
// bypassed.
var ErrBypassed = errors.New("integrity checking bypassed")

// Statistics holds controller statistics. Cache-level counters are kept by
// the underlying cache.
type Statistics struct {
	// SecureReads counts completed secure read walks.
	SecureReads uint64
	// SecureWrites counts completed secure counter writes.
	SecureWrites uint64
	// WalkSteps counts cache accesses issued by walks, repairs included.
	WalkSteps uint64
	// WalkHits counts walks that stopped on a cached ancestor.
	WalkHits uint64
	// Repairs counts parent entries updated before a child was evicted.
	Repairs uint64
	// Conflicts counts evictions aborted by a pending dependency.
	Conflicts uint64
	// Bypassed counts ordinary requests forwarded straight to the backing
	// store.
	Bypassed uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller and its cache.
func WithLogger(log logr.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// Controller is the integrity-tree metadata cache. It is not safe for
// concurrent use.
type Controller struct {
	config  *Config
	regions *memorg.Map
	cache   *cache.Cache
	backing cache.BackingStore

	// walks holds the next entry of secure reads interrupted by a refusal,
	// keyed by the requested address.
	walks map[uint64]memorg.TreeEntry

	stats Statistics
	log   logr.Logger
}

// New builds the region layouts described by config and a metadata cache in
// front of backing.
func New(config *Config, backing cache.BackingStore, opts ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metcache config: %w", err)
	}

	regions, err := memorg.NewMap(config.Memory, memorg.DefaultEncodingTable())
	if err != nil {
		return nil, err
	}

	c := &Controller{
		config:  config.Clone(),
		regions: regions,
		backing: backing,
		walks:   make(map[uint64]memorg.TreeEntry),
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = cache.New(config.Cache, backing,
		cache.WithEvictor(c),
		cache.WithLogger(c.log.WithName("cache")))

	return c, nil
}

// Cache returns the underlying metadata cache.
func (c *Controller) Cache() *cache.Cache {
	return c.cache
}

// Regions returns the region layouts.
func (c *Controller) Regions() *memorg.Map {
	return c.regions
}

// Stats returns controller statistics.
func (c *Controller) Stats() Statistics {
	return c.stats
}

// Reset invalidates the cache without writeback and forgets interrupted
// walks and statistics.
func (c *Controller) Reset() {
	c.cache.Reset()
	clear(c.walks)
	c.stats = Statistics{}
}

// Bypassed reports whether integrity checking is bypassed.
func (c *Controller) Bypassed() bool {
	return c.config.Bypass
}

// Ordinary returns the port for general memory traffic.
func (c *Controller) Ordinary() OrdinaryPort {
	return OrdinaryPort{c: c}
}

// Secure returns the port for integrity-metadata requests.
func (c *Controller) Secure() SecurePort {
	return SecurePort{c: c}
}

// OrdinaryPort behaves as a standard cache front door.
type OrdinaryPort struct {
	c *Controller
}

// Read reads size bytes at addr.
func (p OrdinaryPort) Read(addr uint64, size int) (cache.AccessResult, error) {
	c := p.c
	if !c.config.Bypass {
		return c.cache.Read(addr, size)
	}

	c.stats.Bypassed++
	data, err := c.backing.Read(addr, size)
	if err != nil {
		return cache.AccessResult{}, forwardError(addr, err)
	}

	var value uint64
	for i, b := range data {
		value |= uint64(b) << (8 * i)
	}
	return cache.AccessResult{Latency: c.config.Cache.MissLatency, Data: value}, nil
}

// Write writes the low size bytes of data at addr.
func (p OrdinaryPort) Write(addr uint64, size int, data uint64) (cache.AccessResult, error) {
	c := p.c
	if !c.config.Bypass {
		return c.cache.Write(addr, size, data)
	}

	c.stats.Bypassed++
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(data >> (8 * i))
	}
	if err := c.backing.Write(addr, buf); err != nil {
		return cache.AccessResult{}, forwardError(addr, err)
	}
	return cache.AccessResult{Latency: c.config.Cache.MissLatency}, nil
}

func forwardError(addr uint64, err error) error {
	if errors.Is(err, cache.ErrBusy) {
		return fmt.Errorf("%w: forward of 0x%x: %w", cache.ErrBackpressure, addr, err)
	}
	return fmt.Errorf("forward of 0x%x: %w", addr, err)
}

// SecurePort accepts requests tagged as integrity-metadata accesses.
type SecurePort struct {
	c *Controller
}

// Read walks the tree from the counter of the block at addr towards the
// root, stopping at the first cached entry. If a step is refused the walk
// stops there and the same request resumes it. The interrupted walk is kept
// until it is resubmitted or the controller is Reset.
func (p SecurePort) Read(addr uint64) (WalkResult, error) {
	c := p.c
	layout, err := c.secureLayout(addr)
	if err != nil {
		return WalkResult{}, err
	}

	start, resumed := c.walks[addr]
	if !resumed {
		start, err = layout.CounterEntry(addr)
		if err != nil {
			return WalkResult{}, err
		}
	}

	result, next, err := c.walk(layout, start)
	if err != nil {
		if recoverable(err) {
			c.walks[addr] = next
		}
		return result, err
	}

	delete(c.walks, addr)
	c.stats.SecureReads++
	return result, nil
}

// Write marks the counter line of the block at addr modified. Ancestors are
// not touched; a preceding Read is expected to have brought them in.
func (p SecurePort) Write(addr uint64) (cache.AccessResult, error) {
	c := p.c
	layout, err := c.secureLayout(addr)
	if err != nil {
		return cache.AccessResult{}, err
	}

	counter, err := layout.CounterEntry(addr)
	if err != nil {
		return cache.AccessResult{}, err
	}

	result, err := c.cache.Write(counter.Address, 0, 0)
	if err != nil {
		return result, err
	}

	c.stats.SecureWrites++
	return result, nil
}

func (c *Controller) secureLayout(addr uint64) (*memorg.Layout, error) {
	if c.config.Bypass {
		return nil, fmt.Errorf("%w: secure request for 0x%x", ErrBypassed, addr)
	}
	return c.regions.Find(addr)
}

func recoverable(err error) bool {
	return errors.Is(err, cache.ErrBackpressure) ||
		errors.Is(err, cache.ErrDependencyConflict)
}
