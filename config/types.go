package config

import (
	"time"

	nativecommon "rlfmarket/native/common"
)

const (
	DefaultSettlementRetries = 3
	DefaultRetryBackoffMs    = 50
	DefaultLogEnv            = "dev"
	DefaultLogMaxSizeMB      = 50
	DefaultLogMaxBackups     = 5
)

// Market tunes the settlement engine.
type Market struct {
	// SettlementRetries bounds asset transfer attempts after payment.
	SettlementRetries int `toml:"SettlementRetries"`
	RetryBackoffMs    int `toml:"RetryBackoffMs"`
	// Paused rejects trading operations regardless of the persisted switch.
	Paused bool `toml:"Paused"`
}

// RetryBackoff returns the pause between asset transfer attempts.
func (m Market) RetryBackoff() time.Duration {
	return time.Duration(m.RetryBackoffMs) * time.Millisecond
}

// Pauses returns the operator pause set derived from configuration.
func (m Market) Pauses() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{"market": m.Paused}
}

type Log struct {
	Env string `toml:"Env"`
	// File enables size-rotated file output in addition to stderr.
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Metrics controls the Prometheus textfile written after each command.
type Metrics struct {
	Enabled  bool   `toml:"Enabled"`
	Textfile string `toml:"Textfile"`
}
