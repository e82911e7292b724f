package metcache_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/metsim/memorg"
	"github.com/sarchlab/metsim/timing/metcache"
)

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	It("should validate the default configuration", func() {
		Expect(metcache.DefaultConfig().Validate()).To(Succeed())
	})

	It("should load regions from JSON", func() {
		path := writeFile("metcache.json", `{
			"cache": {"size": 512, "associativity": 2},
			"memory": {"regions": [{
				"name": "small",
				"start": 0,
				"size": 134217728,
				"counter_mode": "MONO8_CTR",
				"level_modes": ["SPLIT64_CTR_v1", "SPLIT64_CTR_v1", "SPLIT64_CTR_v1",
					"SPLIT64_CTR_v1", "split64_ctr_v1"]
			}]}
		}`)

		config, err := metcache.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Cache.Size).To(Equal(512))
		Expect(config.Cache.BlockSize).To(Equal(64))
		Expect(config.Memory.Regions).To(HaveLen(1))

		region := config.Memory.Regions[0]
		Expect(region.OutOfPlace).To(BeFalse())
		Expect(region.CounterMode).To(Equal(memorg.Mono8))
		Expect(region.LevelModes).To(Equal(memorg.UniformLevels(memorg.Split64V1)))
		Expect(config.Validate()).To(Succeed())
	})

	It("should load YAML and keep default regions when none are given", func() {
		path := writeFile("metcache.yaml", "bypass: true\ncache:\n  hit_latency: 3\n")

		config, err := metcache.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Bypass).To(BeTrue())
		Expect(config.Cache.HitLatency).To(Equal(uint64(3)))
		Expect(config.Cache.Size).To(Equal(64 * 1024))
		Expect(config.Memory.Regions).To(Equal(memorg.DefaultConfig().Regions))
	})

	It("should round-trip through a saved file", func() {
		for _, name := range []string{"saved.json", "saved.yml"} {
			config := metcache.DefaultConfig()
			config.Memory.Regions[1].CounterMode = memorg.Split128
			path := filepath.Join(dir, name)
			Expect(config.SaveConfig(path)).To(Succeed())

			loaded, err := metcache.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(config))
		}
	})

	It("should reject unknown counter modes", func() {
		path := writeFile("bad.json", `{"memory": {"regions": [{"name": "x",
			"size": 4096, "counter_mode": "MONO9"}]}}`)

		_, err := metcache.LoadConfig(path)
		Expect(err).To(MatchError(memorg.ErrConfiguration))
	})

	It("should fail on a missing file", func() {
		_, err := metcache.LoadConfig(filepath.Join(dir, "missing.json"))
		Expect(err).To(HaveOccurred())
	})

	It("should clone without sharing regions", func() {
		config := metcache.DefaultConfig()
		clone := config.Clone()
		clone.Memory.Regions[0].Size = 64
		Expect(config.Memory.Regions[0].Size).To(Equal(16 * memorg.MB))
	})
})
