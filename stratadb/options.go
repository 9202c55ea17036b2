package stratadb

import (
	"gopkg.in/yaml.v2"

	"github.com/stratadb/stratadb/simindex"
)

// Options configures a new Engine, loadable from YAML per SPEC_FULL.md
// §2's ambient-stack directive (matching the teacher's own use of
// gopkg.in/yaml.v2 for on-disk config-shaped data).
type Options struct {
	// Backend selects the storage.KV implementation: "memory" (default)
	// or "bolt".
	Backend string `yaml:"backend"`
	// BoltPath is the file path for the bolt backend; ignored otherwise.
	BoltPath string `yaml:"bolt_path"`

	HNSW HNSWDefaults `yaml:"hnsw"`
	FTS  FTSDefaults  `yaml:"fts"`
	LSH  LSHDefaults  `yaml:"lsh"`
}

// HNSWDefaults are the parameters applied to a `::hnsw create` command
// when the script doesn't override them.
type HNSWDefaults struct {
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	Distance       string `yaml:"distance"` // "l2" | "cosine" | "inner_product"
}

type FTSDefaults struct{}

type LSHDefaults struct {
	NumHashes  int `yaml:"num_hashes"`
	BandSize   int `yaml:"band_size"`
	ShingleLen int `yaml:"shingle_len"`
}

// DefaultOptions is the configuration a bare `Open(DefaultOptions())`
// uses: an in-memory backend and the HNSW/LSH defaults package simindex
// itself falls back to when unset.
func DefaultOptions() Options {
	return Options{
		Backend: "memory",
		HNSW:    HNSWDefaults{M: 16, EfConstruction: 64, Distance: "l2"},
		LSH:     LSHDefaults{NumHashes: 64, BandSize: 4, ShingleLen: 3},
	}
}

// LoadOptions parses a YAML document into Options, starting from
// DefaultOptions so a partial document only overrides what it sets.
func LoadOptions(doc []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(doc, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o HNSWDefaults) distance() simindex.Distance {
	switch o.Distance {
	case "cosine":
		return simindex.DistanceCosine
	case "inner_product":
		return simindex.DistanceInnerProduct
	default:
		return simindex.DistanceL2
	}
}
