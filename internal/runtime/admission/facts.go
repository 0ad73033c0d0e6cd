// Package admission implements the Agent Runtime's static code
// admission: a lightweight tokenizer over submitted agent source that
// extracts the facts (imports, qualified calls, attribute accesses)
// an embedded Rego policy evaluates before any execution begins.
package admission

import (
	"regexp"
	"strings"
)

// Facts is everything the admission policy needs to decide whether a
// submission may run, extracted by a single pass over the source —
// not a full parse, since the agent source language is a small,
// dynamically-typed, Python-like surface (§4.5 design notes) and the
// kernel only needs import/call/attribute shape, not a full AST.
type Facts struct {
	Imports           []string
	QualifiedCalls    []string
	AttributeAccesses []string
	Kwargs            map[string]string
}

var (
	importRe   = regexp.MustCompile(`(?m)^\s*import\s+([a-zA-Z_][\w.]*)`)
	fromImport = regexp.MustCompile(`(?m)^\s*from\s+([a-zA-Z_][\w.]*)\s+import`)
	// callRe matches both qualified calls (`builtins.eval(...)`) and
	// bare ones (`eval(...)`, `__import__(...)`) — forbidden_calls in
	// policy.rego checks membership of the bare name as well as a
	// dotted suffix, so both forms must reach QualifiedCalls.
	callRe = regexp.MustCompile(`\b([a-zA-Z_][\w]*(?:\.[a-zA-Z_][\w]*)*)\s*\(`)
	attrRe     = regexp.MustCompile(`\.([a-zA-Z_][\w]*)`)
	kwargRe    = regexp.MustCompile(`\b([a-zA-Z_][\w]*)\s*=\s*['"]([^'"]*)['"]`)
)

// ExtractFacts tokenizes source and returns the admission-relevant facts.
func ExtractFacts(source string) Facts {
	f := Facts{Kwargs: make(map[string]string)}

	seenImport := make(map[string]bool)
	for _, m := range importRe.FindAllStringSubmatch(source, -1) {
		if !seenImport[m[1]] {
			seenImport[m[1]] = true
			f.Imports = append(f.Imports, m[1])
		}
	}
	for _, m := range fromImport.FindAllStringSubmatch(source, -1) {
		if !seenImport[m[1]] {
			seenImport[m[1]] = true
			f.Imports = append(f.Imports, m[1])
		}
	}

	seenCall := make(map[string]bool)
	for _, m := range callRe.FindAllStringSubmatch(source, -1) {
		if !seenCall[m[1]] {
			seenCall[m[1]] = true
			f.QualifiedCalls = append(f.QualifiedCalls, m[1])
		}
	}

	seenAttr := make(map[string]bool)
	for _, m := range attrRe.FindAllStringSubmatch(source, -1) {
		if !seenAttr[m[1]] {
			seenAttr[m[1]] = true
			f.AttributeAccesses = append(f.AttributeAccesses, m[1])
		}
	}

	for _, m := range kwargRe.FindAllStringSubmatch(source, -1) {
		f.Kwargs[m[1]] = m[2]
	}

	return f
}

// IsDunder reports whether name is a double-underscored attribute
// name such as "__class__" or "__globals__" — admission rejects any
// attribute access on these regardless of policy, since they are the
// classic sandbox-escape surface in a Python-like host.
func IsDunder(name string) bool {
	return strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}
