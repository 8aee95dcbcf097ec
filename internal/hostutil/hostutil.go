// Package hostutil validates the single piece of user-supplied data that
// ends up embedded in shell commands and reverse-proxy config: the
// application hostname (spec §3 "constrained to RFC 952/1123"; spec §8
// "Hostname containing invalid characters rejected at D1").
package hostutil

import (
	"fmt"
	"strings"

	"proximity/internal/coreerr"
)

const maxLabelLength = 63

// ValidHostname reports whether name is a single RFC 952/1123 label: letters,
// digits, and hyphens, 1-63 characters, not starting or ending with a
// hyphen. Applications are addressed as a single label under the appliance's
// DNS domain (<hostname>.prox.local), so dots are rejected here.
func ValidHostname(name string) bool {
	if len(name) == 0 || len(name) > maxLabelLength {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// Validate returns a coreerr.KindInvalidRequest error describing why name is
// not a valid hostname, or nil if it is.
func Validate(name string) error {
	if ValidHostname(name) {
		return nil
	}
	reason := "must be 1-63 characters of letters, digits, and hyphens, and must not start or end with a hyphen"
	if strings.ContainsAny(name, ";&|$`\\\"'<>(){}\n") {
		reason = "must not contain shell metacharacters"
	}
	return coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("hostutil: invalid hostname %q: %s", name, reason))
}
