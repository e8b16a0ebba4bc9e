package main

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"rlfmarket/native/market"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", market.ErrValidationFailed, fmt.Sprintf(format, args...))
}

func parseAddress(flagName, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, invalid("--%s is required", flagName)
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, invalid("--%s must be a 0x-prefixed 20-byte hex address", flagName)
	}
	return common.HexToAddress(trimmed), nil
}

func parseID(flagName, value string) ([32]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [32]byte{}, invalid("--%s is required", flagName)
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil || len(raw) != common.HashLength {
		return [32]byte{}, invalid("--%s must be a 0x-prefixed 32-byte hex id", flagName)
	}
	return common.BytesToHash(raw), nil
}

func parseTokenID(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalid("--token-id is required")
	}
	id, ok := new(big.Int).SetString(trimmed, 0)
	if !ok || id.Sign() < 0 {
		return nil, invalid("--token-id must be a non-negative integer")
	}
	return id, nil
}

// parseAmount accepts plain integers, underscores as digit separators and the
// 100e18 shorthand. Fractions must resolve to a whole number of base units.
func parseAmount(flagName, value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return nil, invalid("--%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil || expValue < 0 || expValue > 77 {
			return nil, invalid("invalid scientific notation in --%s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimPrefix(base, "+")
	if strings.HasPrefix(base, "-") {
		return nil, invalid("--%s must be positive", flagName)
	}
	whole, frac, _ := strings.Cut(base, ".")
	if len(frac) > exponent {
		if strings.TrimRight(frac[exponent:], "0") != "" {
			return nil, invalid("--%s must be a whole number of base units", flagName)
		}
		frac = frac[:exponent]
	}
	digits := whole + frac + strings.Repeat("0", exponent-len(frac))
	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, invalid("invalid --%s", flagName)
	}
	if amount.Sign() <= 0 {
		return nil, invalid("--%s must be positive", flagName)
	}
	return amount, nil
}

// parseExpiry accepts +duration, an RFC3339 timestamp or unix seconds. An
// empty value means no expiry.
func parseExpiry(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := time.ParseDuration(strings.TrimSpace(trimmed[1:]))
		if err != nil || dur <= 0 {
			return 0, invalid("--expires duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	if unix, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, invalid("--expires must be +duration, RFC3339 or unix seconds")
	}
	return ts.Unix(), nil
}

func parseAttributes(values []string) ([]market.Attribute, error) {
	out := make([]market.Attribute, 0, len(values))
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, invalid("--set-attr must be key=value")
		}
		out = append(out, market.Attribute{Key: key, Value: value})
	}
	return out, nil
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func hexAddr(a [20]byte) string { return common.Address(a).Hex() }

func hexID(id [32]byte) string { return common.Hash(id).Hex() }
