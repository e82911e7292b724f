// Package cache provides a write-back cache built on Akita cache components.
//
// The cache tracks at most one pending request per line in an Akita MSHR,
// surfaces backing-store refusals as ErrBackpressure, and delegates the
// decision of how victims leave the cache to an Evictor strategy.
package cache

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/rs/xid"
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int `json:"size" yaml:"size"`
	// Associativity (number of ways)
	Associativity int `json:"associativity" yaml:"associativity"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size" yaml:"block_size"`
	// HitLatency in cycles
	HitLatency uint64 `json:"hit_latency" yaml:"hit_latency"`
	// MissLatency in cycles (includes memory access time)
	MissLatency uint64 `json:"miss_latency" yaml:"miss_latency"`
	// MSHRCapacity is the number of lines that can have a pending request.
	MSHRCapacity int `json:"mshr_capacity" yaml:"mshr_capacity"`
}

// DefaultConfig returns the configuration of a 64KB metadata cache:
// 8-way, 64B lines, 16 pending requests.
func DefaultConfig() Config {
	return Config{
		Size:          64 * 1024, // 64KB
		Associativity: 8,         // 8-way
		BlockSize:     64,        // 64B cache line
		HitLatency:    2,         // 2 cycles
		MissLatency:   100,       // ~100 cycles to memory
		MSHRCapacity:  16,
	}
}

// Validate checks that the geometry describes at least one full set.
func (c Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.Size <= 0 || c.Size%(c.Associativity*c.BlockSize) != 0 {
		return fmt.Errorf("size must be a positive multiple of associativity*block_size")
	}
	if c.MSHRCapacity <= 0 {
		return fmt.Errorf("mshr_capacity must be > 0")
	}
	return nil
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Data is the data read (for load operations).
	Data uint64
	// Evicted is true if a valid block was evicted.
	Evicted bool
	// EvictedAddr is the address of the evicted block (if Evicted is true).
	EvictedAddr uint64
}

// Request is one cache-line access.
type Request struct {
	// ID tags the request in logs. Access assigns one when empty.
	ID      string
	Addr    uint64
	Size    int
	IsWrite bool
	Data    uint64
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	// Refusals counts requests bounced with ErrBackpressure.
	Refusals uint64
	// Conflicts counts requests bounced with ErrDependencyConflict.
	Conflicts uint64
}

// BackingStore interface for the next level in the memory hierarchy. Either
// method may return ErrBusy to refuse the request.
type BackingStore interface {
	// Read fetches data from the backing store.
	Read(addr uint64, size int) ([]byte, error)
	// Write stores data to the backing store.
	Write(addr uint64, data []byte) error
}

// Evictor decides how a set of victim blocks leaves the cache. It must either
// evict every valid victim or return an error having evicted none of the
// blocked ones. Work done before the error, such as lines it brought in or
// modified, stays in the cache.
type Evictor interface {
	HandleEvictions(victims []*akitacache.Block) error
}

// EvictorFunc adapts a function to the Evictor interface.
type EvictorFunc func(victims []*akitacache.Block) error

// HandleEvictions calls f.
func (f EvictorFunc) HandleEvictions(victims []*akitacache.Block) error {
	return f(victims)
}

// Option configures a Cache.
type Option func(*Cache)

// WithEvictor replaces the default eviction strategy.
func WithEvictor(e Evictor) Option {
	return func(c *Cache) {
		c.evictor = e
	}
}

// WithLogger sets the logger used for per-request tracing.
func WithLogger(log logr.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// Cache represents a write-back, write-allocate cache using Akita cache
// components. It is not safe for concurrent use.
type Cache struct {
	// Configuration
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	// Pending-request table, one entry per line at most
	mshr akitacache.MSHR

	// Data storage - indexed by (setID * associativity + wayID)
	dataStore [][]byte

	// Statistics
	stats Statistics

	// Backing store interface (for fetching on miss and writeback)
	backing BackingStore

	evictor Evictor
	log     logr.Logger
}

// New creates a new cache with the given configuration.
func New(config Config, backing BackingStore, opts ...Option) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)
	totalBlocks := numSets * config.Associativity

	// Initialize data storage
	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	c := &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		mshr:      akitacache.NewMSHR(config.MSHRCapacity),
		dataStore: dataStore,
		backing:   backing,
		log:       logr.Discard(),
	}
	c.evictor = EvictorFunc(c.evictDefault)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

// blockIndex computes the index into dataStore for a block.
func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) alignDown(addr uint64) uint64 {
	return (addr / uint64(c.config.BlockSize)) * uint64(c.config.BlockSize)
}

// Read performs a cache read operation.
func (c *Cache) Read(addr uint64, size int) (AccessResult, error) {
	return c.Access(Request{Addr: addr, Size: size})
}

// Write performs a cache write operation. A zero-sized write marks the line
// modified without changing its contents.
func (c *Cache) Write(addr uint64, size int, data uint64) (AccessResult, error) {
	return c.Access(Request{Addr: addr, Size: size, IsWrite: true, Data: data})
}

// Access performs a read or write. On ErrBackpressure or ErrDependencyConflict
// the caller must resubmit the same request later.
func (c *Cache) Access(req Request) (AccessResult, error) {
	if req.ID == "" {
		req.ID = xid.New().String()
	}

	// Compute block-aligned address for lookup
	blockAddr := c.alignDown(req.Addr)
	if req.Size < 0 || req.Addr-blockAddr+uint64(req.Size) > uint64(c.config.BlockSize) {
		return AccessResult{}, fmt.Errorf("%w: %d bytes at 0x%x",
			ErrLineCrossing, req.Size, req.Addr)
	}

	if err := c.retryClean(blockAddr); err != nil {
		return AccessResult{}, err
	}

	// Look up in directory using block-aligned address
	block := c.directory.Lookup(0, blockAddr) // PID=0 for now
	if block != nil && block.IsValid {
		c.log.V(1).Info("hit", "req", req.ID, "addr", req.Addr, "write", req.IsWrite)
		return c.hit(req, block), nil
	}

	c.log.V(1).Info("miss", "req", req.ID, "addr", req.Addr, "write", req.IsWrite)
	return c.miss(req, blockAddr)
}

func (c *Cache) hit(req Request, block *akitacache.Block) AccessResult {
	c.stats.Hits++
	c.directory.Visit(block) // Update LRU

	blockData := c.dataStore[c.blockIndex(block)]
	offset := req.Addr % uint64(c.config.BlockSize)

	result := AccessResult{
		Hit:     true,
		Latency: c.config.HitLatency,
	}

	if req.IsWrite {
		c.stats.Writes++
		storeData(blockData, offset, req.Size, req.Data)
		block.IsDirty = true
	} else {
		c.stats.Reads++
		result.Data = extractData(blockData, offset, req.Size)
	}

	return result
}

// miss handles a cache miss by evicting a victim and fetching from the
// backing store.
func (c *Cache) miss(req Request, blockAddr uint64) (AccessResult, error) {
	result := AccessResult{
		Hit:     false,
		Latency: c.config.MissLatency,
	}

	// Find victim block
	victim := c.directory.FindVictim(blockAddr)
	if victim == nil || victim.IsLocked {
		// Every way is held by an eviction in progress.
		c.stats.Conflicts++
		return AccessResult{}, fmt.Errorf("%w: no evictable way for 0x%x",
			ErrDependencyConflict, blockAddr)
	}

	if victim.IsValid {
		evictedAddr := victim.Tag
		if err := c.evictor.HandleEvictions([]*akitacache.Block{victim}); err != nil {
			c.countRefusal(err)
			return AccessResult{}, err
		}
		result.Evicted = true
		result.EvictedAddr = evictedAddr
	}

	// The eviction may have pulled this very line in while repairing.
	if block := c.directory.Lookup(0, blockAddr); block != nil && block.IsValid {
		hit := c.hit(req, block)
		hit.Latency = result.Latency
		hit.Evicted = result.Evicted
		hit.EvictedAddr = result.EvictedAddr
		return hit, nil
	}

	// Fetch from backing store
	newData, err := c.backing.Read(blockAddr, c.config.BlockSize)
	if err != nil {
		return AccessResult{}, c.refuse(req, blockAddr, PendingFill, err)
	}
	c.completePending(blockAddr)
	c.stats.Misses++

	victimData := c.dataStore[c.blockIndex(victim)]
	copy(victimData, newData)

	// Update block metadata - store block-aligned address as tag
	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false

	offset := req.Addr % uint64(c.config.BlockSize)
	if req.IsWrite {
		c.stats.Writes++
		storeData(victimData, offset, req.Size, req.Data)
		victim.IsDirty = true
	} else {
		c.stats.Reads++
		result.Data = extractData(victimData, offset, req.Size)
	}

	c.directory.Visit(victim) // Update LRU

	return result, nil
}

// refuse turns a backing-store error into the error returned to the caller,
// recording the refused request as pending on its line.
func (c *Cache) refuse(req Request, blockAddr uint64, kind PendingKind, err error) error {
	if !errors.Is(err, ErrBusy) {
		return fmt.Errorf("backing store access at 0x%x: %w", blockAddr, err)
	}

	c.stats.Refusals++
	if c.mshr.Query(0, blockAddr) == nil && !c.mshr.IsFull() {
		entry := c.mshr.Add(0, blockAddr)
		entry.Requests = append(entry.Requests, &Pending{Kind: kind, Request: req})
	}

	c.log.V(1).Info("refused", "req", req.ID, "addr", blockAddr, "kind", kind.String())
	return fmt.Errorf("%w: %s at 0x%x: %w", ErrBackpressure, kind, blockAddr, err)
}

func (c *Cache) countRefusal(err error) {
	switch {
	case errors.Is(err, ErrDependencyConflict):
		c.stats.Conflicts++
	case errors.Is(err, ErrBackpressure):
		c.stats.Refusals++
	}
}

// Pending returns the pending request recorded against the line holding addr,
// or nil.
func (c *Cache) Pending(addr uint64) *Pending {
	entry := c.mshr.Query(0, c.alignDown(addr))
	if entry == nil || len(entry.Requests) == 0 {
		return nil
	}
	p, _ := entry.Requests[0].(*Pending)
	return p
}

func (c *Cache) completePending(blockAddr uint64) {
	if c.mshr.Query(0, blockAddr) != nil {
		c.mshr.Remove(0, blockAddr)
	}
}

// retryClean reissues a refused clean write-back before any other request
// to the same line proceeds.
func (c *Cache) retryClean(blockAddr uint64) error {
	p := c.Pending(blockAddr)
	if p == nil || p.Kind != PendingClean {
		return nil
	}

	block := c.directory.Lookup(0, blockAddr)
	if block == nil || !block.IsValid || !block.IsDirty {
		c.completePending(blockAddr)
		return nil
	}

	if err := c.writeback(block); err != nil {
		c.stats.Refusals++
		return fmt.Errorf("%w: clean at 0x%x: %w", ErrBackpressure, blockAddr, err)
	}
	block.IsDirty = false
	c.completePending(blockAddr)
	return nil
}

func (c *Cache) writeback(block *akitacache.Block) error {
	if c.backing == nil {
		return nil
	}
	if err := c.backing.Write(block.Tag, c.dataStore[c.blockIndex(block)]); err != nil {
		return err
	}
	c.stats.Writebacks++
	return nil
}

// Lookup returns the valid block holding addr, or nil. It does not update
// the replacement state.
func (c *Cache) Lookup(addr uint64) *akitacache.Block {
	block := c.directory.Lookup(0, c.alignDown(addr))
	if block == nil || !block.IsValid {
		return nil
	}
	return block
}

// Probe reports whether the line holding addr is resident.
func (c *Cache) Probe(addr uint64) bool {
	return c.Lookup(addr) != nil
}

// State returns the state of the line holding addr.
func (c *Cache) State(addr uint64) LineState {
	return StateOf(c.Lookup(addr))
}

// CheckEvictable fails with ErrDependencyConflict when any valid victim has
// a pending request that needs it resident, or is already being evicted.
func (c *Cache) CheckEvictable(victims []*akitacache.Block) error {
	for _, v := range victims {
		if !v.IsValid {
			continue
		}
		if p := c.Pending(v.Tag); p != nil && p.NeedsResident() {
			return fmt.Errorf("%w: %s pending on 0x%x", ErrDependencyConflict, p.Kind, v.Tag)
		}
		if v.IsLocked {
			return fmt.Errorf("%w: 0x%x is being evicted", ErrDependencyConflict, v.Tag)
		}
	}
	return nil
}

// EvictBlocks removes every valid victim, writing back modified ones.
func (c *Cache) EvictBlocks(victims []*akitacache.Block) error {
	for _, v := range victims {
		if !v.IsValid {
			continue
		}
		if v.IsDirty {
			if err := c.writeback(v); err != nil {
				return fmt.Errorf("%w: writeback of 0x%x: %w", ErrBackpressure, v.Tag, err)
			}
		}
		c.log.V(1).Info("evict", "addr", v.Tag, "dirty", v.IsDirty)
		c.stats.Evictions++
		v.IsValid = false
		v.IsDirty = false
	}
	return nil
}

func (c *Cache) evictDefault(victims []*akitacache.Block) error {
	if err := c.CheckEvictable(victims); err != nil {
		return err
	}
	return c.EvictBlocks(victims)
}

// Clean writes back the line holding addr if it is modified and keeps it
// resident. A refused write-back stays pending on the line, which then
// cannot be evicted until the clean completes.
func (c *Cache) Clean(addr uint64) error {
	blockAddr := c.alignDown(addr)
	if c.Pending(blockAddr) != nil {
		return c.retryClean(blockAddr)
	}

	block := c.Lookup(blockAddr)
	if block == nil || !block.IsDirty {
		return nil
	}

	if err := c.writeback(block); err != nil {
		return c.refuse(Request{Addr: blockAddr, IsWrite: true}, blockAddr, PendingClean, err)
	}
	block.IsDirty = false
	return nil
}

// Invalidate marks a cache line as invalid, discarding any modification.
func (c *Cache) Invalidate(addr uint64) {
	blockAddr := c.alignDown(addr)
	block := c.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
	c.completePending(blockAddr)
}

// Flush writes back all dirty blocks and invalidates them. On backpressure
// the lines already flushed stay invalid and the rest stay untouched.
func (c *Cache) Flush() error {
	sets := c.directory.GetSets()
	for _, set := range sets {
		for _, block := range set.Blocks {
			if !block.IsValid {
				continue
			}
			if block.IsDirty {
				if err := c.writeback(block); err != nil {
					return fmt.Errorf("%w: flush of 0x%x: %w", ErrBackpressure, block.Tag, err)
				}
			}
			c.completePending(block.Tag)
			block.IsValid = false
			block.IsDirty = false
		}
	}
	return nil
}

// Reset invalidates all cache lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.mshr.Reset()
	c.stats = Statistics{}
}

// extractData extracts a value of the given size from a byte slice.
func extractData(data []byte, offset uint64, size int) uint64 {
	if data == nil || int(offset)+size > len(data) {
		return 0
	}

	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return result
}

// storeData stores a value of the given size into a byte slice.
func storeData(data []byte, offset uint64, size int, value uint64) {
	if data == nil || int(offset)+size > len(data) {
		return
	}

	for i := 0; i < size; i++ {
		data[int(offset)+i] = byte(value >> (i * 8))
	}
}
