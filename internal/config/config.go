// Package config provides configuration loading and structs for a fednlp worker node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/pipeline"
	"github.com/hyperjump/fednlp/internal/vocab"
)

// Config holds all configuration for a node.
type Config struct {
	Debug     bool              `yaml:"debug"`
	Worker    WorkerConfig      `yaml:"worker"`
	Peers     map[string]string `yaml:"peers"`
	Storage   StorageConfig     `yaml:"storage"`
	Vocab     VocabConfig       `yaml:"vocab"`
	Tokenizer TokenizerConfig   `yaml:"tokenizer"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	RPC       RPCConfig         `yaml:"rpc"`
}

// WorkerConfig identifies the local worker and where it listens.
type WorkerConfig struct {
	ID         string `yaml:"id"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	StateInbox string `yaml:"state_inbox"`
}

// StorageConfig holds the path of the state database. An empty path keeps states in memory.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// VocabConfig selects where word vectors come from.
type VocabConfig struct {
	Name        string `yaml:"name"`
	Dimensions  int    `yaml:"dimensions"`
	VectorsPath string `yaml:"vectors_path"`
	HashVectors bool   `yaml:"hash_vectors"`
	CacheSize   int    `yaml:"cache_size"`
}

// TokenizerConfig points at a YAML rule table; empty means the built-in rules.
type TokenizerConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// PipelineConfig describes the pipeline this node orchestrates.
type PipelineConfig struct {
	Name                 string            `yaml:"name"`
	Seed                 uint64            `yaml:"seed"`
	SubpipelineTTL       time.Duration     `yaml:"subpipeline_ttl"`
	SubpipelineCacheSize int               `yaml:"subpipeline_cache_size"`
	Components           []ComponentConfig `yaml:"components"`
}

// ComponentConfig is one pipeline component. Params is the component's own configuration;
// Position is one of "first", "last", "before:<name>" or "after:<name>".
type ComponentConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Access   []string       `yaml:"access"`
	Position string         `yaml:"position"`
	Params   map[string]any `yaml:"params"`
}

// MetricsConfig toggles the /metrics route.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// EnabledOrDefault returns whether metrics are served; defaults to true when unset.
func (m *MetricsConfig) EnabledOrDefault() bool {
	if m.Enabled != nil {
		return *m.Enabled
	}
	return true
}

// RPCConfig holds settings for calls to peers.
type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Worker.StateInbox = expandPath(cfg.Worker.StateInbox, configDir)
	cfg.Vocab.VectorsPath = expandPath(cfg.Vocab.VectorsPath, configDir)
	cfg.Tokenizer.RulesPath = expandPath(cfg.Tokenizer.RulesPath, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

// VectorSource builds the configured vector source: a binary table, hashed vectors, or none.
func (v VocabConfig) VectorSource() (vocab.VectorSource, error) {
	var source vocab.VectorSource
	switch {
	case v.VectorsPath != "":
		table, err := vocab.LoadVectorTable(v.VectorsPath)
		if err != nil {
			return nil, err
		}
		source = table
	case v.HashVectors:
		source = vocab.NewHashVectors(v.Dimensions)
	default:
		return nil, nil
	}
	if v.CacheSize <= 0 {
		return source, nil
	}
	cache, err := vocab.NewVectorCache(source, v.CacheSize)
	if err != nil {
		return nil, err
	}
	return cache, nil
}

// PositionOf parses the component's position.
func (c ComponentConfig) PositionOf() (pipeline.Position, error) {
	pos := strings.TrimSpace(c.Position)
	switch {
	case pos == "" || pos == "last":
		return pipeline.Last(), nil
	case pos == "first":
		return pipeline.First(), nil
	case strings.HasPrefix(pos, "before:"):
		return pipeline.Before(strings.TrimPrefix(pos, "before:")), nil
	case strings.HasPrefix(pos, "after:"):
		return pipeline.After(strings.TrimPrefix(pos, "after:")), nil
	}
	return pipeline.Position{}, fmt.Errorf("%w: component %s: position %q", nlperr.ErrInvalidPosition, c.Name, c.Position)
}

// AccessOf returns the component's access policy.
func (c ComponentConfig) AccessOf() pipe.Access {
	if len(c.Access) == 0 {
		return nil
	}
	return pipe.Restricted(c.Access...)
}

// State turns the component's params into a state owned by owner.
func (c ComponentConfig) State(pipelineName, owner string) (pipe.State, error) {
	if c.Name == "" {
		return pipe.State{}, fmt.Errorf("%w: component without a name", nlperr.ErrInvalidConfig)
	}
	t := pipe.TypeTag(c.Type)
	if !pipe.Known(t) {
		return pipe.State{}, fmt.Errorf("%w: component %s: %q", nlperr.ErrUnknownComponentType, c.Name, c.Type)
	}
	params := c.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return pipe.State{}, fmt.Errorf("%w: component %s params: %v", nlperr.ErrInvalidConfig, c.Name, err)
	}
	return pipe.State{
		Pipeline: pipelineName,
		Name:     c.Name,
		Type:     t,
		Owner:    owner,
		Access:   c.AccessOf(),
		Config:   raw,
	}, nil
}
