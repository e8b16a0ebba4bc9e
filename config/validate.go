package config

import "fmt"

var MaxSettlementRetries = 20

func (c *Config) Validate() error {
	if c.Market.SettlementRetries < 1 || c.Market.SettlementRetries > MaxSettlementRetries {
		return fmt.Errorf("market: SettlementRetries must be between 1 and %d", MaxSettlementRetries)
	}
	if c.Market.RetryBackoffMs < 0 {
		return fmt.Errorf("market: RetryBackoffMs must not be negative")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	return nil
}
