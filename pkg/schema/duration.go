package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// durationPattern is the whole grammar: an integer count of milliseconds or
// seconds. Anything else — including negatives and bare numbers — is invalid.
var durationPattern = regexp.MustCompile(`^\d+(ms|s)$`)

// ParseDuration converts "<N>ms" or "<N>s" into a time.Duration.
func ParseDuration(value string) (time.Duration, error) {
	if !durationPattern.MatchString(value) {
		return 0, fmt.Errorf("duration %q must match '<number>ms' or '<number>s'", value)
	}
	if strings.HasSuffix(value, "ms") {
		n, err := strconv.ParseInt(strings.TrimSuffix(value, "ms"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", value, err)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(value, "s"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", value, err)
	}
	return time.Duration(n) * time.Second, nil
}

// IsDuration reports whether value matches the duration grammar.
func IsDuration(value string) bool {
	return durationPattern.MatchString(value)
}
