package logging

import (
	"log/slog"
	"slices"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// allowlistedKeys are the only keys MaskField passes through unredacted.
// Anything a wallet or settlement provider could be linked by stays out.
var allowlistedKeys = []string{
	"component",
	"env",
	"error",
	"kind",
	"message",
	"outcome",
	"reason",
	"route",
	"service",
	"severity",
	"timestamp",
}

// IsAllowlisted reports whether the key may be logged with its value intact.
func IsAllowlisted(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	return slices.Contains(allowlistedKeys, key)
}

// RedactionAllowlist returns the unredacted log keys, sorted. Sanitization
// tests use this to assert sensitive keys stay masked.
func RedactionAllowlist() []string {
	return slices.Clone(allowlistedKeys)
}

// MaskField redacts the value unless the key is allowlisted. Empty values
// pass through so absent fields stay readable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Wallet abbreviates a payment id for log output. Full ids link a wallet's
// activity across lines, so only a short prefix is emitted.
func Wallet(paymentID string) slog.Attr {
	const visible = 8
	if len(paymentID) > visible {
		paymentID = paymentID[:visible] + "…"
	}
	return slog.String("paymentId", paymentID)
}
