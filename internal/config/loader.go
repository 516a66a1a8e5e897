package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = "ledgerflow.yaml"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "LEDGERFLOW",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// so CLI flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "LEDGERFLOW",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads and validates configuration.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (LEDGERFLOW_*)
// 3. Config file (--config, or ./ledgerflow.yaml)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v)

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".yaml"))
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("node.party", d.Node.Party)
	v.SetDefault("node.data_dir", d.Node.DataDir)
	v.SetDefault("node.workers", d.Node.Workers)
	v.SetDefault("node.max_steps", d.Node.MaxSteps)

	v.SetDefault("network.retry_attempts", d.Network.RetryAttempts)
	v.SetDefault("network.retry_base_delay", d.Network.RetryBaseDelay)
	v.SetDefault("network.retry_max_delay", d.Network.RetryMaxDelay)
	v.SetDefault("network.duplicate", d.Network.Duplicate)

	v.SetDefault("notary.party", d.Notary.Party)
	v.SetDefault("revision.max_rate_bps", d.Revision.MaxRateBps)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
