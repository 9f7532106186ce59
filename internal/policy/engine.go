// Package policy gates tool dispatch in the task runner through an OPA
// policy. A blocked tool produces a failed tool_result, not a session
// failure.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the tool policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine evaluates the tool dispatch policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the policy for evaluation.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// ToolInput is the evaluation input for one tool dispatch.
type ToolInput struct {
	ToolName  string `json:"tool_name"`
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
}

// Evaluate returns the policy decision for one tool dispatch.
func (e *Engine) Evaluate(ctx context.Context, input ToolInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy allows everything except tools outside the runner's
// built-in set.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

known_tools := {"create_agent"}

decision = "block" {
	not known_tools[input.tool_name]
}
`
