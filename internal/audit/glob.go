package audit

import "strings"

// MatchOpPattern reports whether op matches pattern, where pattern
// uses "." as a segment separator, "*" matches exactly one segment,
// and "**" matches any remainder (zero or more segments). This is the
// shared glob semantics used by audit.query(op=...) filters and by
// the Capability Broker's operation_pattern matching — the two
// consumers of the same matching rule named in §4.3.
func MatchOpPattern(pattern, op string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(op, "."))
}

func matchSegments(pattern, value []string) bool {
	for len(pattern) > 0 {
		seg := pattern[0]

		if seg == "**" {
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(value); i++ {
				if matchSegments(pattern[1:], value[i:]) {
					return true
				}
			}
			return false
		}

		if len(value) == 0 {
			return false
		}
		if seg != "*" && seg != value[0] {
			return false
		}
		pattern = pattern[1:]
		value = value[1:]
	}
	return len(value) == 0
}
