package config

import (
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Party:    "node",
			DataDir:  ".ledgerflow",
			Workers:  8,
			MaxSteps: 1000,
		},
		Network: NetworkConfig{
			RetryAttempts:  5,
			RetryBaseDelay: 50 * time.Millisecond,
			RetryMaxDelay:  2 * time.Second,
		},
		Notary:   NotaryConfig{Party: "notary"},
		Revision: RevisionConfig{MaxRateBps: 2500},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// WriteFile writes cfg as YAML to path atomically.
func WriteFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
