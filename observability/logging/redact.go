package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Account identities are masked unless their key is listed here. Record ids
// and operational fields are not personal data.
var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"code":         {},
	"command":      {},
	"component":    {},
	"type":         {},
	"listing":      {},
	"listingid":    {},
	"offer":        {},
	"offerid":      {},
	"collection":   {},
	"tokenid":      {},
	"paymenttoken": {},
	"amount":       {},
	"minprice":     {},
	"status":       {},
	"phase":        {},
	"version":      {},
	"sequence":     {},
	"expiresat":    {},
	"path":         {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
