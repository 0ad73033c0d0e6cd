package admission

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed policy.rego
var policySource string

// Decision is the outcome of evaluating a submission's Facts against
// the admission policy.
type Decision struct {
	Allowed    bool
	Violations []string
}

// Policy evaluates Facts against the embedded Rego admission rules.
// One Policy is prepared once and reused across submissions — the
// compiled query is safe for concurrent Eval calls.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy compiles the embedded policy source.
func NewPolicy(ctx context.Context) (*Policy, error) {
	query, err := rego.New(
		rego.Query("data.admission.deny"),
		rego.Module("policy.rego", policySource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: compile policy: %w", err)
	}
	return &Policy{query: query}, nil
}

// Decide evaluates facts and returns whether the submission is
// admitted. A non-empty Violations list always means Allowed is false.
func (p *Policy) Decide(ctx context.Context, facts Facts) (Decision, error) {
	input := map[string]any{
		"imports":            orEmpty(facts.Imports),
		"qualified_calls":    orEmpty(facts.QualifiedCalls),
		"attribute_accesses": orEmpty(facts.AttributeAccesses),
		"kwargs":             facts.Kwargs,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("admission: evaluate policy: %w", err)
	}

	var violations []string
	for _, r := range results {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range set {
				if s, ok := v.(string); ok {
					violations = append(violations, s)
				}
			}
		}
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
