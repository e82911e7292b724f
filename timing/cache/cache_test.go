package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/metsim/timing/cache"
)

var _ = Describe("Cache", func() {
	var (
		c       *cache.Cache
		memory  *cache.Memory
		backing *cache.MemoryBacking
		config  cache.Config
	)

	BeforeEach(func() {
		memory = cache.NewMemory()
		backing = cache.NewMemoryBacking(memory)
		// Small cache for testing: 4KB, 4-way, 64B lines
		config = cache.Config{
			Size:          4 * 1024,
			Associativity: 4,
			BlockSize:     64,
			HitLatency:    1,
			MissLatency:   10,
			MSHRCapacity:  4,
		}
		c = cache.New(config, backing)
	})

	mustRead := func(addr uint64, size int) cache.AccessResult {
		result, err := c.Read(addr, size)
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	mustWrite := func(addr uint64, size int, data uint64) cache.AccessResult {
		result, err := c.Write(addr, size, data)
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	// fillSet0 writes four lines that all map to set 0.
	fillSet0 := func() {
		mustWrite(0x0000, 8, 0x11111111)
		mustWrite(0x0400, 8, 0x22222222)
		mustWrite(0x0800, 8, 0x33333333)
		mustWrite(0x0C00, 8, 0x44444444)
	}

	Describe("Read operations", func() {
		It("should miss on cold cache", func() {
			memory.Write64(0x1000, 0xDEADBEEF)

			result := mustRead(0x1000, 8)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Latency).To(Equal(uint64(10)))
			Expect(result.Data).To(Equal(uint64(0xDEADBEEF)))

			stats := c.Stats()
			Expect(stats.Reads).To(Equal(uint64(1)))
			Expect(stats.Misses).To(Equal(uint64(1)))
			Expect(stats.Hits).To(Equal(uint64(0)))
		})

		It("should hit on cached data", func() {
			memory.Write64(0x1000, 0xCAFEBABE)

			mustRead(0x1000, 8)

			result := mustRead(0x1000, 8)
			Expect(result.Hit).To(BeTrue())
			Expect(result.Latency).To(Equal(uint64(1)))
			Expect(result.Data).To(Equal(uint64(0xCAFEBABE)))

			stats := c.Stats()
			Expect(stats.Reads).To(Equal(uint64(2)))
			Expect(stats.Misses).To(Equal(uint64(1)))
			Expect(stats.Hits).To(Equal(uint64(1)))
		})

		It("should leave a filled line clean", func() {
			mustRead(0x1000, 8)
			Expect(c.State(0x1000)).To(Equal(cache.Clean))
			Expect(c.Probe(0x1030)).To(BeTrue())
		})
	})

	Describe("Write operations", func() {
		It("should write-allocate on miss", func() {
			result := mustWrite(0x1000, 8, 0x12345678)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Latency).To(Equal(uint64(10)))

			readResult := mustRead(0x1000, 8)
			Expect(readResult.Hit).To(BeTrue())
			Expect(readResult.Data).To(Equal(uint64(0x12345678)))
			Expect(c.State(0x1000)).To(Equal(cache.Modified))
		})

		It("should mark a line modified on a zero-sized write", func() {
			memory.Write64(0x2000, 0xABCD)
			mustRead(0x2000, 8)

			mustWrite(0x2000, 0, 0)
			Expect(c.State(0x2000)).To(Equal(cache.Modified))
			Expect(mustRead(0x2000, 8).Data).To(Equal(uint64(0xABCD)))
		})
	})

	Describe("Line crossing", func() {
		It("should refuse a write that runs past the end of its line", func() {
			_, err := c.Write(60, 8, 0x1122334455667788)
			Expect(err).To(MatchError(cache.ErrLineCrossing))

			Expect(c.State(60)).To(Equal(cache.Invalid))
			Expect(backing.History()).To(BeEmpty())
			Expect(c.Stats().Writes).To(BeZero())
		})

		It("should refuse a read that runs past the end of its line", func() {
			mustWrite(0x40, 8, 0xAA)

			_, err := c.Read(0x7F, 2)
			Expect(err).To(MatchError(cache.ErrLineCrossing))
			Expect(c.Stats().Reads).To(BeZero())
		})

		It("should accept an access ending exactly at the line end", func() {
			mustWrite(56, 8, 0x1122334455667788)
			Expect(mustRead(60, 4).Data).To(Equal(uint64(0x11223344)))
		})
	})

	Describe("Eviction", func() {
		It("should evict when cache is full", func() {
			// 4KB cache, 64B lines, 4-way = 16 sets
			fillSet0()

			Expect(mustRead(0x0000, 8).Hit).To(BeTrue())
			Expect(mustRead(0x0400, 8).Hit).To(BeTrue())
			Expect(mustRead(0x0800, 8).Hit).To(BeTrue())
			Expect(mustRead(0x0C00, 8).Hit).To(BeTrue())

			result := mustWrite(0x1000, 8, 0x55555555)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Evicted).To(BeTrue())
			Expect(result.EvictedAddr).To(Equal(uint64(0x0000)))

			Expect(c.Stats().Evictions).To(Equal(uint64(1)))
		})

		It("should writeback dirty evicted blocks", func() {
			fillSet0()

			// Access the last three to make 0x0000 the LRU
			mustRead(0x0400, 8)
			mustRead(0x0800, 8)
			mustRead(0x0C00, 8)

			mustWrite(0x1000, 8, 0x55555555)

			Expect(memory.Read64(0x0000)).To(Equal(uint64(0x11111111)))
			Expect(c.Stats().Writebacks).To(Equal(uint64(1)))
			Expect(c.State(0x0000)).To(Equal(cache.Invalid))
		})

		It("should pass victims to an injected evictor", func() {
			var seen []uint64
			c = cache.New(config, backing, cache.WithEvictor(cache.EvictorFunc(
				func(victims []*akitacache.Block) error {
					for _, v := range victims {
						seen = append(seen, v.Tag)
					}
					return c.EvictBlocks(victims)
				})))

			fillSet0()
			mustRead(0x1000, 8)

			Expect(seen).To(Equal([]uint64{0x0000}))
		})

		It("should leave the set untouched when the evictor refuses", func() {
			c = cache.New(config, backing, cache.WithEvictor(cache.EvictorFunc(
				func([]*akitacache.Block) error {
					return cache.ErrDependencyConflict
				})))

			fillSet0()
			_, err := c.Read(0x1000, 8)
			Expect(err).To(MatchError(cache.ErrDependencyConflict))

			for _, addr := range []uint64{0x0000, 0x0400, 0x0800, 0x0C00} {
				Expect(c.State(addr)).To(Equal(cache.Modified))
			}
			Expect(c.Probe(0x1000)).To(BeFalse())
			Expect(c.Stats().Conflicts).To(Equal(uint64(1)))
		})
	})

	Describe("Backpressure", func() {
		It("should refuse a fill and complete it on resubmission", func() {
			memory.Write64(0x3000, 77)
			backing.RefuseNext(1)

			_, err := c.Read(0x3000, 8)
			Expect(err).To(MatchError(cache.ErrBackpressure))
			Expect(err).To(MatchError(cache.ErrBusy))
			Expect(c.Pending(0x3000)).NotTo(BeNil())
			Expect(c.Pending(0x3000).Kind).To(Equal(cache.PendingFill))

			result := mustRead(0x3000, 8)
			Expect(result.Data).To(Equal(uint64(77)))
			Expect(c.Pending(0x3000)).To(BeNil())
			Expect(c.Stats().Refusals).To(Equal(uint64(1)))
		})

		It("should not let a pending fill block evictions", func() {
			backing.RefuseNext(1)
			_, err := c.Read(0x0000, 8)
			Expect(err).To(MatchError(cache.ErrBackpressure))

			fillSet0()
			Expect(c.Pending(0x0000)).To(BeNil())
		})
	})

	Describe("Clean", func() {
		It("should write back and keep the line", func() {
			mustWrite(0x0400, 8, 0x99)

			Expect(c.Clean(0x0400)).To(Succeed())
			Expect(memory.Read64(0x0400)).To(Equal(uint64(0x99)))
			Expect(c.State(0x0400)).To(Equal(cache.Clean))
		})

		It("should pin a line whose clean was refused", func() {
			fillSet0()
			backing.RefuseNext(1)

			err := c.Clean(0x0000)
			Expect(err).To(MatchError(cache.ErrBackpressure))
			Expect(c.Pending(0x0000).NeedsResident()).To(BeTrue())

			// 0x0000 is the LRU line, so the next fill in set 0 must evict it.
			_, err = c.Read(0x1000, 8)
			Expect(err).To(MatchError(cache.ErrDependencyConflict))
			Expect(c.State(0x0000)).To(Equal(cache.Modified))

			Expect(c.Clean(0x0000)).To(Succeed())
			Expect(c.Pending(0x0000)).To(BeNil())

			result := mustRead(0x1000, 8)
			Expect(result.EvictedAddr).To(Equal(uint64(0x0000)))
		})

		It("should finish a refused clean before the next access to the line", func() {
			mustWrite(0x0800, 8, 0x42)
			backing.RefuseNext(1)
			Expect(c.Clean(0x0800)).NotTo(Succeed())

			mustRead(0x0800, 8)
			Expect(c.Pending(0x0800)).To(BeNil())
			Expect(memory.Read64(0x0800)).To(Equal(uint64(0x42)))
		})
	})

	Describe("CheckEvictable", func() {
		It("should ignore invalid victims", func() {
			Expect(c.CheckEvictable([]*akitacache.Block{{}})).To(Succeed())
		})
	})

	Describe("Flush", func() {
		It("should write back all dirty blocks", func() {
			mustWrite(0x0000, 8, 0x11111111)
			mustWrite(0x1000, 8, 0x22222222)

			// Data not yet in memory (only in cache)
			Expect(memory.Read64(0x0000)).To(Equal(uint64(0)))
			Expect(memory.Read64(0x1000)).To(Equal(uint64(0)))

			Expect(c.Flush()).To(Succeed())

			Expect(memory.Read64(0x0000)).To(Equal(uint64(0x11111111)))
			Expect(memory.Read64(0x1000)).To(Equal(uint64(0x22222222)))

			Expect(c.Stats().Writebacks).To(Equal(uint64(2)))
		})

		It("should stop on backpressure without dropping data", func() {
			mustWrite(0x0000, 8, 0x11111111)
			backing.RefuseNext(1)

			Expect(c.Flush()).To(MatchError(cache.ErrBackpressure))
			Expect(c.State(0x0000)).To(Equal(cache.Modified))

			Expect(c.Flush()).To(Succeed())
			Expect(memory.Read64(0x0000)).To(Equal(uint64(0x11111111)))
		})
	})

	Describe("Default configuration", func() {
		It("should describe a 64KB 8-way metadata cache", func() {
			config := cache.DefaultConfig()
			Expect(config.Size).To(Equal(64 * 1024))
			Expect(config.Associativity).To(Equal(8))
			Expect(config.BlockSize).To(Equal(64))
			Expect(config.Validate()).To(Succeed())
		})

		It("should reject a non power-of-two block size", func() {
			config := cache.DefaultConfig()
			config.BlockSize = 48
			Expect(config.Validate()).NotTo(Succeed())
		})
	})
})
