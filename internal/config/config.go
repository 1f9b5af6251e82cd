// Package config loads run settings from lodestone.yaml, LODESTONE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/lodestone/internal/catalog"
	"github.com/agentic-research/lodestone/internal/cluster"
	"github.com/agentic-research/lodestone/internal/correlate"
	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/spf13/viper"
)

// ErrInvalid marks a configuration that cannot start a run.
var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded configuration of one run.
type Config struct {
	InputDir          string   `mapstructure:"input_dir"`
	Objects           []string `mapstructure:"objects"`
	Output            string   `mapstructure:"output"`
	SQLiteOutput      string   `mapstructure:"sqlite_output"`
	DiagnosticsOutput string   `mapstructure:"diagnostics_output"`

	Scan      ScanConfig               `mapstructure:"scan"`
	Purposes  map[string]PurposeConfig `mapstructure:"purposes"`
	Correlate CorrelateConfig          `mapstructure:"correlate"`
	Cluster   ClusterConfig            `mapstructure:"cluster"`
	Decode    DecodeConfig             `mapstructure:"decode"`
	Workers   WorkersConfig            `mapstructure:"workers"`
	Catalog   CatalogConfig            `mapstructure:"catalog"`

	RunTimeout time.Duration `mapstructure:"run_timeout"`
	SkipSpawns bool          `mapstructure:"skip_spawns"`
}

type ScanConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
	Overlap   int `mapstructure:"overlap"`
}

// PurposeConfig selects the files scanned for one purpose. Patterns without
// a slash match the base name, others the path relative to input_dir.
type PurposeConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

type CorrelateConfig struct {
	MaxDistance   uint64 `mapstructure:"max_distance"`
	RegionGap     uint64 `mapstructure:"region_gap"`
	AnchorPrefix  string `mapstructure:"anchor_prefix"`
	PartnerPrefix string `mapstructure:"partner_prefix"`
	ProbeSlots    bool   `mapstructure:"probe_slots"`
}

type ClusterConfig struct {
	Tight           uint64 `mapstructure:"tight"`
	Separation      uint64 `mapstructure:"separation"`
	ClassifyContext bool   `mapstructure:"classify_context"`
}

type DecodeConfig struct {
	Layouts string `mapstructure:"layouts"`
}

type WorkersConfig struct {
	Isolate      bool          `mapstructure:"isolate"`
	Concurrency  int           `mapstructure:"concurrency"`
	MemoryBudget int64         `mapstructure:"memory_budget"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	Selectors    catalog.Selectors `mapstructure:"selectors"`
	ItemPrefix   string            `mapstructure:"item_prefix"`
	RunePrefix   string            `mapstructure:"rune_prefix"`
	Types        []string          `mapstructure:"types"`
	IncludeOther bool              `mapstructure:"include_other"`
}

// Options converts the catalog section for catalog.Load.
func (c CatalogConfig) Options() catalog.Options {
	return catalog.Options{
		Selectors:    c.Selectors,
		ItemPrefix:   c.ItemPrefix,
		RunePrefix:   c.RunePrefix,
		Types:        c.Types,
		IncludeOther: c.IncludeOther,
	}
}

const (
	PurposeRecipes  = "recipes"
	PurposeLoadouts = "loadouts"
	PurposeSpawns   = "spawns"
)

// New returns a viper instance with every key defaulted and the environment
// bound. Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	cat := catalog.DefaultOptions()

	v.SetDefault("input_dir", ".")
	v.SetDefault("objects", []string{})
	v.SetDefault("output", "entities.json")
	v.SetDefault("sqlite_output", "")
	v.SetDefault("diagnostics_output", "diagnostics.json")

	v.SetDefault("scan.chunk_size", scan.DefaultChunkSize)
	v.SetDefault("scan.overlap", scan.DefaultOverlap)

	v.SetDefault("purposes.recipes.include", []string{"quantumDatabase.bin"})
	v.SetDefault("purposes.recipes.exclude", []string{})
	v.SetDefault("purposes.loadouts.include", []string{
		"qdb*_assets_all_*.bundle",
		"pooled_prefabs_assets_all_*.bundle",
		"static_scenes_all_*.bundle",
		"world_scenes_all_*.bundle",
	})
	v.SetDefault("purposes.loadouts.exclude", []string{})
	v.SetDefault("purposes.spawns.include", []string{"static_scenes_all_*.bundle", "world_scenes_all_*.bundle"})
	v.SetDefault("purposes.spawns.exclude", []string{})

	v.SetDefault("correlate.max_distance", correlate.DefaultMaxDistance)
	v.SetDefault("correlate.region_gap", correlate.DefaultRegionGap)
	v.SetDefault("correlate.anchor_prefix", "items.gear.weapons.")
	v.SetDefault("correlate.partner_prefix", cat.RunePrefix)
	v.SetDefault("correlate.probe_slots", true)

	v.SetDefault("cluster.tight", cluster.DefaultTight)
	v.SetDefault("cluster.separation", cluster.DefaultSeparation)
	v.SetDefault("cluster.classify_context", false)

	v.SetDefault("decode.layouts", "")

	v.SetDefault("workers.isolate", false)
	v.SetDefault("workers.concurrency", 0)
	v.SetDefault("workers.memory_budget", int64(1<<30))
	v.SetDefault("workers.timeout", 30*time.Minute)

	v.SetDefault("catalog.selectors.id", cat.Selectors.ID)
	v.SetDefault("catalog.selectors.asset_guid", cat.Selectors.AssetGUID)
	v.SetDefault("catalog.selectors.name_link", cat.Selectors.NameLink)
	v.SetDefault("catalog.selectors.name_link_file", cat.Selectors.NameLinkFile)
	v.SetDefault("catalog.item_prefix", cat.ItemPrefix)
	v.SetDefault("catalog.rune_prefix", cat.RunePrefix)
	v.SetDefault("catalog.types", cat.Types)
	v.SetDefault("catalog.include_other", cat.IncludeOther)

	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("skip_spawns", false)

	v.SetEnvPrefix("LODESTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file into v (or lodestone.yaml from the working directory when
// file is empty; a missing default file is fine) and validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("lodestone")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch {
	case c.InputDir == "":
		return invalid("input_dir is empty")
	case c.Output == "":
		return invalid("output is empty")
	case c.Scan.ChunkSize <= 0:
		return invalid("scan.chunk_size must be positive, got %d", c.Scan.ChunkSize)
	case c.Scan.Overlap < 0:
		return invalid("scan.overlap must not be negative, got %d", c.Scan.Overlap)
	case c.Workers.Concurrency < 0:
		return invalid("workers.concurrency must not be negative, got %d", c.Workers.Concurrency)
	case c.Workers.MemoryBudget < 0:
		return invalid("workers.memory_budget must not be negative, got %d", c.Workers.MemoryBudget)
	case c.Cluster.Separation < c.Cluster.Tight:
		return invalid("cluster.separation %d is below cluster.tight %d", c.Cluster.Separation, c.Cluster.Tight)
	}
	for name, p := range c.Purposes {
		switch name {
		case PurposeRecipes, PurposeLoadouts, PurposeSpawns:
		default:
			return invalid("unknown purpose %q", name)
		}
		for _, pat := range append(append([]string{}, p.Include...), p.Exclude...) {
			if _, err := filepath.Match(pat, ""); err != nil {
				return invalid("purposes.%s: bad pattern %q", name, pat)
			}
		}
	}
	return nil
}
