package capability

import "strings"

// matchResourcePattern implements point 2 of §4.3's matching
// algorithm: "tab:*" matches "tab:42", "form:*" matches "form:8", and
// an exact ID matches only itself. Unlike operation_pattern matching,
// resources are not dot-segmented — the wildcard applies to the whole
// counter suffix after the type tag's colon.
func matchResourcePattern(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if !strings.HasSuffix(pattern, "*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(resource, prefix)
}
