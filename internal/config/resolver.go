// Package config resolves Storyline configuration from, in ascending
// precedence: built-in defaults, ~/.storyline/config.yaml, STORYLINE_*
// environment variables, and CLI flags. Each resolved value remembers where
// it came from so operators can audit effective settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
)

// ResolvedValue is one setting plus the source that supplied it.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// Tunables are the parameters that change pipeline output (spec-facing).
type Tunables struct {
	ClusterMaxDistance float64 // max intra-cluster cosine distance
	ClusterMinSize     int     // min members for a dense cluster
	ArbiterBatchSize   int     // max cluster names per arbiter call
	LinkThreshold      float64 // embedding-similarity gate for temporal links
	RollupMinEvidence  int     // min lower-period groups for a weekly+ group
}

// Defaults for the tunables.
const (
	DefaultClusterMaxDistance = 0.15
	DefaultClusterMinSize     = 2
	DefaultArbiterBatchSize   = 10
	DefaultLinkThreshold      = 0.85
	DefaultRollupMinEvidence  = 2
)

// ResolveOptions carries CLI-provided overrides into resolution.
type ResolveOptions struct {
	ConfigPath string
	CLIDBPath  string
	CLIEmbed   string // provider/model
	CLILLM     string // provider/model
}

// ResolvedConfig is the fully resolved configuration.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath        ResolvedValue `json:"db_path"`
	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	LLMProvider   ResolvedValue `json:"llm_provider"`
	LLMEndpoint   ResolvedValue `json:"llm_endpoint"`
	LLMAPIKey     ResolvedValue `json:"llm_api_key"`

	ClusterMaxDistance ResolvedValue `json:"cluster_max_distance"`
	ClusterMinSize     ResolvedValue `json:"cluster_min_size"`
	ArbiterBatchSize   ResolvedValue `json:"arbiter_batch_size"`
	LinkThreshold      ResolvedValue `json:"link_threshold"`
	RollupMinEvidence  ResolvedValue `json:"rollup_min_evidence"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Embed  struct {
		Provider string `yaml:"provider"`
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"embed"`
	LLM struct {
		Provider string `yaml:"provider"`
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"llm"`
	Pipeline struct {
		ClusterMaxDistance *float64 `yaml:"cluster_max_distance"`
		ClusterMinSize     *int     `yaml:"cluster_min_size"`
		ArbiterBatchSize   *int     `yaml:"arbiter_batch_size"`
		LinkThreshold      *float64 `yaml:"link_threshold"`
		RollupMinEvidence  *int     `yaml:"rollup_min_evidence"`
	} `yaml:"pipeline"`
}

// DefaultConfigPath is ~/.storyline/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".storyline", "config.yaml")
}

// ResolveConfig merges all sources into a ResolvedConfig.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:         path,
		ClusterMaxDistance: defaultValue(strconv.FormatFloat(DefaultClusterMaxDistance, 'f', -1, 64)),
		ClusterMinSize:     defaultValue(strconv.Itoa(DefaultClusterMinSize)),
		ArbiterBatchSize:   defaultValue(strconv.Itoa(DefaultArbiterBatchSize)),
		LinkThreshold:      defaultValue(strconv.FormatFloat(DefaultLinkThreshold, 'f', -1, 64)),
		RollupMinEvidence:  defaultValue(strconv.Itoa(DefaultRollupMinEvidence)),
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMEndpoint, cfg.LLM.Endpoint, SourceConfig, path)
		apply(&out.LLMAPIKey, cfg.LLM.APIKey, SourceConfig, path)

		if v := cfg.Pipeline.ClusterMaxDistance; v != nil {
			apply(&out.ClusterMaxDistance, strconv.FormatFloat(*v, 'f', -1, 64), SourceConfig, path)
		}
		if v := cfg.Pipeline.ClusterMinSize; v != nil {
			apply(&out.ClusterMinSize, strconv.Itoa(*v), SourceConfig, path)
		}
		if v := cfg.Pipeline.ArbiterBatchSize; v != nil {
			apply(&out.ArbiterBatchSize, strconv.Itoa(*v), SourceConfig, path)
		}
		if v := cfg.Pipeline.LinkThreshold; v != nil {
			apply(&out.LinkThreshold, strconv.FormatFloat(*v, 'f', -1, 64), SourceConfig, path)
		}
		if v := cfg.Pipeline.RollupMinEvidence; v != nil {
			apply(&out.RollupMinEvidence, strconv.Itoa(*v), SourceConfig, path)
		}
	}

	applyEnv(&out.DBPath, "STORYLINE_DB")
	applyEnv(&out.EmbedProvider, "STORYLINE_EMBED")
	applyEnv(&out.EmbedEndpoint, "STORYLINE_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "STORYLINE_EMBED_API_KEY")
	applyEnv(&out.LLMProvider, "STORYLINE_LLM")
	applyEnv(&out.LLMEndpoint, "STORYLINE_LLM_ENDPOINT")
	applyEnv(&out.LLMAPIKey, "STORYLINE_LLM_API_KEY")

	applyEnv(&out.ClusterMaxDistance, "STORYLINE_CLUSTER_MAX_DISTANCE")
	applyEnv(&out.ClusterMinSize, "STORYLINE_CLUSTER_MIN_SIZE")
	applyEnv(&out.ArbiterBatchSize, "STORYLINE_ARBITER_BATCH_SIZE")
	applyEnv(&out.LinkThreshold, "STORYLINE_LINK_THRESHOLD")
	applyEnv(&out.RollupMinEvidence, "STORYLINE_ROLLUP_MIN_EVIDENCE")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// EffectiveTunables parses the resolved tunable strings into numbers,
// validating ranges.
func (r ResolvedConfig) EffectiveTunables() (Tunables, error) {
	t := Tunables{}
	var err error

	if t.ClusterMaxDistance, err = parseFloat(r.ClusterMaxDistance, "cluster max distance"); err != nil {
		return t, err
	}
	if t.ClusterMaxDistance <= 0 || t.ClusterMaxDistance >= 1 {
		return t, fmt.Errorf("cluster max distance must be in (0, 1), got %g", t.ClusterMaxDistance)
	}
	if t.ClusterMinSize, err = parseInt(r.ClusterMinSize, "cluster min size"); err != nil {
		return t, err
	}
	if t.ClusterMinSize < 1 {
		return t, fmt.Errorf("cluster min size must be >= 1, got %d", t.ClusterMinSize)
	}
	if t.ArbiterBatchSize, err = parseInt(r.ArbiterBatchSize, "arbiter batch size"); err != nil {
		return t, err
	}
	if t.ArbiterBatchSize < 1 {
		return t, fmt.Errorf("arbiter batch size must be >= 1, got %d", t.ArbiterBatchSize)
	}
	if t.LinkThreshold, err = parseFloat(r.LinkThreshold, "link threshold"); err != nil {
		return t, err
	}
	if t.LinkThreshold <= 0 || t.LinkThreshold > 1 {
		return t, fmt.Errorf("link threshold must be in (0, 1], got %g", t.LinkThreshold)
	}
	if t.RollupMinEvidence, err = parseInt(r.RollupMinEvidence, "rollup min evidence"); err != nil {
		return t, err
	}
	if t.RollupMinEvidence < 1 {
		return t, fmt.Errorf("rollup min evidence must be >= 1, got %d", t.RollupMinEvidence)
	}

	return t, nil
}

func parseFloat(v ResolvedValue, name string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q (from %s): %w", name, v.Value, v.Source, err)
	}
	return f, nil
}

func parseInt(v ResolvedValue, name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q (from %s): %w", name, v.Value, v.Source, err)
	}
	return n, nil
}

func defaultValue(v string) ResolvedValue {
	return ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
