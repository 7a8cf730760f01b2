// Package config builds validated, defaulted Config values for the storage
// engine via functional options — the idiomatic-Go generalisation of the
// teacher repo's zero-value-defaulting Config{} passed straight to Open.
// A builder is warranted here because this engine's option surface is much
// larger than the teacher's four fields (see the table in SPEC_FULL.md §6).
package config

import (
	"time"

	"github.com/jpl-au/pearl/pearlerr"
)

// BloomConfig parameterises the per-index bloom filter. A nil *BloomConfig
// on Config disables bloom filtering for the index (the range filter still
// applies).
type BloomConfig struct {
	Elements  int     // expected element count used for initial sizing
	Hashers   int     // number of independent hash functions (k)
	MaxBits   uint64  // hard cap on bit-vector size (M)
	Step      uint64  // growth step while predicted FPR exceeds TargetFPR
	TargetFPR float64 // desired false-positive rate
}

// DefaultBloomConfig returns sane defaults sized for elements records.
func DefaultBloomConfig(elements int) BloomConfig {
	return BloomConfig{
		Elements:  elements,
		Hashers:   3,
		MaxBits:   8 << 20, // 1MiB of bits per filter, hard cap
		Step:      8 << 10,
		TargetFPR: 0.01,
	}
}

// Config bundles every option recognised by the storage engine. Built only
// via New; the zero value is not valid (WorkDir/Prefix/KeySize are required).
type Config struct {
	WorkDir    string
	Prefix     string
	KeySize    int
	CreateWorkDir bool

	MaxBlobSize   int64
	MaxDataInBlob uint64

	UpdateInterval  time.Duration
	AllowDuplicates bool
	IgnoreCorrupted bool

	Bloom                 *BloomConfig
	RecreateIndexFile     bool
	BloomFilterGroupSize  int
	LeafSize              int

	DumpSemSize      int
	CorruptedDirName string
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithKeySize(n int) Option            { return func(c *Config) { c.KeySize = n } }
func WithCreateWorkDir(b bool) Option     { return func(c *Config) { c.CreateWorkDir = b } }
func WithMaxBlobSize(n int64) Option      { return func(c *Config) { c.MaxBlobSize = n } }
func WithMaxDataInBlob(n uint64) Option   { return func(c *Config) { c.MaxDataInBlob = n } }
func WithUpdateInterval(d time.Duration) Option {
	return func(c *Config) { c.UpdateInterval = d }
}
func WithAllowDuplicates(b bool) Option { return func(c *Config) { c.AllowDuplicates = b } }
func WithIgnoreCorrupted(b bool) Option { return func(c *Config) { c.IgnoreCorrupted = b } }

// WithBloom enables the bloom filter with the given parameters. Passing the
// zero BloomConfig is a mistake callers make; New fills in the usual
// defaults whenever Hashers is left at zero.
func WithBloom(bc BloomConfig) Option { return func(c *Config) { c.Bloom = &bc } }

// WithoutBloom disables the bloom filter; only the range filter prunes
// negative lookups.
func WithoutBloom() Option { return func(c *Config) { c.Bloom = nil } }

func WithRecreateIndexFile(b bool) Option { return func(c *Config) { c.RecreateIndexFile = b } }
func WithBloomFilterGroupSize(n int) Option {
	return func(c *Config) { c.BloomFilterGroupSize = n }
}
func WithLeafSize(n int) Option         { return func(c *Config) { c.LeafSize = n } }
func WithDumpSemSize(n int) Option      { return func(c *Config) { c.DumpSemSize = n } }
func WithCorruptedDirName(s string) Option {
	return func(c *Config) { c.CorruptedDirName = s }
}

// New builds a Config from workDir/prefix plus options, applying defaults
// and validating required fields. Required: WorkDir, Prefix, KeySize.
func New(workDir, prefix string, opts ...Option) (Config, error) {
	c := Config{
		WorkDir:              workDir,
		Prefix:               prefix,
		UpdateInterval:       100 * time.Millisecond,
		BloomFilterGroupSize: 8,
		LeafSize:             512,
		DumpSemSize:          1,
		CorruptedDirName:     "corrupted",
		Bloom:                defaultBloom(),
	}

	for _, opt := range opts {
		opt(&c)
	}

	if c.WorkDir == "" {
		return Config{}, pearlerr.ErrUninitialized
	}
	if c.Prefix == "" {
		return Config{}, pearlerr.ErrUninitialized
	}
	if c.KeySize <= 0 {
		return Config{}, pearlerr.ErrUninitialized
	}
	if c.Bloom != nil {
		if c.Bloom.Hashers <= 0 {
			c.Bloom.Hashers = 3
		}
		if c.Bloom.MaxBits == 0 {
			c.Bloom.MaxBits = 8 << 20
		}
		if c.Bloom.Step == 0 {
			c.Bloom.Step = 8 << 10
		}
		if c.Bloom.TargetFPR <= 0 {
			c.Bloom.TargetFPR = 0.01
		}
		if c.Bloom.Elements <= 0 {
			c.Bloom.Elements = 1024
		}
	}
	if c.BloomFilterGroupSize <= 0 {
		c.BloomFilterGroupSize = 8
	}
	if c.LeafSize <= 0 {
		c.LeafSize = 512
	}
	if c.DumpSemSize <= 0 {
		c.DumpSemSize = 1
	}
	if c.CorruptedDirName == "" {
		c.CorruptedDirName = "corrupted"
	}

	return c, nil
}

func defaultBloom() *BloomConfig {
	bc := DefaultBloomConfig(1024)
	return &bc
}
