package probe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

var (
	macPattern      = regexp.MustCompile(`(?i)\b([0-9a-f]{2}(?::[0-9a-f]{2}){5})\b`)
	inactivePattern = regexp.MustCompile(`(\d+)\s*ms\s+ago`)
)

// banners an assoclist legitimately prints when no station is associated
var emptyAssocBanners = []string{
	"no station connected",
	"no stations",
	"not associated",
}

// ParseAssocList extracts station identifiers from the output of an
// association list command (iwinfo assoclist, wl assoclist, hostapd_cli
// all_sta). Stations whose reported inactivity exceeds idleThreshold are
// excluded; a zero threshold disables the exclusion.
//
// Output that answers but cannot be interpreted at all yields an error, so
// the caller can distinguish a misconfigured command from an access point
// with zero clients.
func ParseAssocList(output string, idleThreshold time.Duration) ([]string, error) {
	if !utf8.ValidString(output) {
		return nil, fmt.Errorf("output is not valid UTF-8")
	}

	var identities []string
	var nonBlank, recognized int
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonBlank++

		// continuation lines (rates, packet counters) are indented
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			recognized++
			continue
		}
		if isEmptyAssocBanner(line) {
			recognized++
			continue
		}

		mac := macPattern.FindString(line)
		if mac == "" {
			continue
		}
		recognized++

		if idleThreshold > 0 {
			if idle, ok := inactiveMillis(line); ok && idle > idleThreshold {
				zap.S().Debugf("Excluding %s, inactive for %s (threshold %s)", mac, idle, idleThreshold)
				continue
			}
		}
		identities = append(identities, mac)
	}

	if nonBlank > 0 && recognized == 0 {
		return nil, fmt.Errorf("no association entries in %d line(s) of output", nonBlank)
	}
	return identities, nil
}

func isEmptyAssocBanner(line string) bool {
	lower := strings.ToLower(line)
	for _, banner := range emptyAssocBanners {
		if strings.Contains(lower, banner) {
			return true
		}
	}
	return false
}

// inactiveMillis reads the "NNN ms ago" suffix iwinfo prints per station.
func inactiveMillis(line string) (time.Duration, bool) {
	match := inactivePattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	ms, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
