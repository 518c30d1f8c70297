package config

import (
	"os"
	"time"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Worker.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Worker.ID = host
		} else {
			cfg.Worker.ID = "worker"
		}
	}
	if cfg.Worker.Host == "" {
		cfg.Worker.Host = "localhost"
	}
	if cfg.Worker.Port == 0 {
		cfg.Worker.Port = 7070
	}
	if cfg.Vocab.Name == "" {
		cfg.Vocab.Name = cfg.Pipeline.Name
	}
	if cfg.Vocab.Dimensions == 0 {
		cfg.Vocab.Dimensions = 16
	}
	if cfg.Pipeline.SubpipelineTTL == 0 {
		cfg.Pipeline.SubpipelineTTL = 30 * time.Minute
	}
	if cfg.Pipeline.SubpipelineCacheSize == 0 {
		cfg.Pipeline.SubpipelineCacheSize = 128
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 30 * time.Second
	}
	if cfg.Peers == nil {
		cfg.Peers = map[string]string{}
	}
}
