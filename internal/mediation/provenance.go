package mediation

import "github.com/browserkernel/kernel/internal/audit"

// taintRank orders provenance tags by how "untrusted" they are. A
// value touched by web-content always dominates a merge (§4.5:
// "labeled with the provenance of its argument values (propagated
// taint)").
var taintRank = map[audit.Provenance]int{
	audit.ProvenanceSystem:     0,
	audit.ProvenanceUser:       1,
	audit.ProvenanceAgent:      2,
	audit.ProvenanceWebContent: 3,
}

// mergeProvenance returns the most-tainted provenance among ps,
// defaulting to ProvenanceAgent when none is supplied (submitted code
// is itself agent-originated).
func mergeProvenance(ps ...audit.Provenance) audit.Provenance {
	dominant := audit.ProvenanceAgent
	best := -1
	for _, p := range ps {
		if p == "" {
			continue
		}
		if r, ok := taintRank[p]; ok && r > best {
			best = r
			dominant = p
		}
	}
	return dominant
}
