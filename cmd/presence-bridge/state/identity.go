package state

import (
	"strings"
)

// Identity is a normalized client identifier. Two readings of the same
// physical device must compare equal after normalization, so normalization
// happens at every ingestion boundary (probe output and seed source output).
type Identity string

// IdentityMode selects how raw identifiers are normalized.
type IdentityMode int

const (
	// IdentityModeMAC normalizes MAC addresses to uppercase, colon separated.
	IdentityModeMAC IdentityMode = iota
	// IdentityModeRaw keeps the identifier as-is apart from whitespace trimming.
	// Comparison stays case-sensitive.
	IdentityModeRaw
)

// ParseIdentityMode maps the IDENTITY_MODE configuration value.
func ParseIdentityMode(s string) (IdentityMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mac":
		return IdentityModeMAC, true
	case "raw":
		return IdentityModeRaw, true
	}
	return IdentityModeMAC, false
}

// sentinel values some firmwares report instead of a real identifier
var sentinelIdentities = map[string]struct{}{
	"unknown":           {},
	"<unknown>":         {},
	"00:00:00:00:00:00": {},
	"ff:ff:ff:ff:ff:ff": {},
}

// Normalize turns a raw identifier into an Identity. The second return value
// is false when the input is empty, a sentinel, or (in MAC mode) not a valid
// MAC address; such identifiers must be discarded by the caller.
func Normalize(raw string, mode IdentityMode) (Identity, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if _, isSentinel := sentinelIdentities[strings.ToLower(trimmed)]; isSentinel {
		return "", false
	}
	if mode == IdentityModeRaw {
		return Identity(trimmed), true
	}
	return normalizeMAC(trimmed)
}

// normalizeMAC accepts aa:bb:cc:dd:ee:ff, aa-bb-cc-dd-ee-ff, aabb.ccdd.eeff
// and bare aabbccddeeff and returns AA:BB:CC:DD:EE:FF.
func normalizeMAC(raw string) (Identity, bool) {
	var hexDigits strings.Builder
	hexDigits.Grow(12)
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			hexDigits.WriteRune(r)
		case r >= 'a' && r <= 'f':
			hexDigits.WriteRune(r - ('a' - 'A'))
		case r == ':' || r == '-' || r == '.':
			// separator, skip
		default:
			return "", false
		}
	}
	digits := hexDigits.String()
	if len(digits) != 12 {
		return "", false
	}
	var mac strings.Builder
	mac.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			mac.WriteByte(':')
		}
		mac.WriteString(digits[i : i+2])
	}
	normalized := mac.String()
	if _, isSentinel := sentinelIdentities[strings.ToLower(normalized)]; isSentinel {
		return "", false
	}
	return Identity(normalized), true
}
