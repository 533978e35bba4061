// Package validate holds the pure input predicates for operator-supplied
// forwarding fields. Failure is a boolean, not an error; callers decide
// whether to re-prompt or reject.
package validate

import (
	"regexp"
	"strconv"

	"github.com/ezsetup/ezpf/pkg/fw"
)

var (
	// Four dot-separated groups of 1-3 digits. Deliberately permissive:
	// no per-octet range check, so 999.999.999.999 passes. Tightening
	// this would change which inputs the tool accepts.
	ipv4Pattern = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{1,3}){3}$`)

	// Two or more colon-separated groups of 0-4 hex digits. A loose
	// heuristic, not RFC 4291 conformance; "::" and "::1" pass.
	ipv6Pattern = regexp.MustCompile(`^[0-9a-fA-F]{0,4}(:[0-9a-fA-F]{0,4})+$`)
)

// Port reports whether s is a base-10 integer in [1, 65535] with no
// other characters.
func Port(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// ParsePort converts a validated port string; it returns 0 when Port(s)
// is false.
func ParsePort(s string) uint16 {
	if !Port(s) {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return uint16(n)
}

// Address reports whether s is syntactically plausible for the family.
func Address(family fw.Family, s string) bool {
	if family == fw.FamilyIPv6 {
		return ipv6Pattern.MatchString(s)
	}
	return ipv4Pattern.MatchString(s)
}
