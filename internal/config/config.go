// Package config loads node configuration from defaults, a YAML file and
// LEDGERFLOW_* environment variables.
package config

import "time"

// Config is the complete node configuration.
type Config struct {
	Node     NodeConfig     `mapstructure:"node" yaml:"node"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Notary   NotaryConfig   `mapstructure:"notary" yaml:"notary"`
	Revision RevisionConfig `mapstructure:"revision" yaml:"revision"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// NodeConfig configures one node's engine and storage.
type NodeConfig struct {
	// Party is the node's legal identity.
	Party string `mapstructure:"party" yaml:"party"`
	// DataDir holds the checkpoint database. Empty keeps checkpoints in memory.
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	Workers  int    `mapstructure:"workers" yaml:"workers"`
	MaxSteps int    `mapstructure:"max_steps" yaml:"max_steps"`
}

// NetworkConfig configures the in-process transport.
type NetworkConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	Duplicate      bool          `mapstructure:"duplicate" yaml:"duplicate"`
}

// NotaryConfig names the network's notary.
type NotaryConfig struct {
	Party string `mapstructure:"party" yaml:"party"`
}

// RevisionConfig bounds the deal revisions a node accepts.
type RevisionConfig struct {
	MaxRateBps int64 `mapstructure:"max_rate_bps" yaml:"max_rate_bps"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}
