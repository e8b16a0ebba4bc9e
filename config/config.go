package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDataDir     = "./market-data"
	DefaultNetworkName = "rlf-local"
)

type Config struct {
	DataDir     string  `toml:"DataDir"`
	NetworkName string  `toml:"NetworkName"`
	Market      Market  `toml:"Market"`
	Log         Log     `toml:"Log"`
	Metrics     Metrics `toml:"Metrics"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults so the first run of a tool leaves an editable config behind.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written by createDefault.
func Default() *Config {
	cfg := &Config{
		DataDir:     DefaultDataDir,
		NetworkName: DefaultNetworkName,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if c.Market.SettlementRetries == 0 {
		c.Market.SettlementRetries = DefaultSettlementRetries
	}
	if c.Market.RetryBackoffMs == 0 {
		c.Market.RetryBackoffMs = DefaultRetryBackoffMs
	}
	if strings.TrimSpace(c.Log.Env) == "" {
		c.Log.Env = DefaultLogEnv
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = DefaultLogMaxBackups
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Textfile) == "" {
		c.Metrics.Textfile = filepath.Join(c.DataDir, "metrics.prom")
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
