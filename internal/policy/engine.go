// Package policy evaluates shell commands against an OPA policy before
// execution.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by Evaluate.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.command_policy.decision"),
		rego.Module("command_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks a shell command against the policy.
// Input keys: command, requires_elevation.
// Returns one of the Decision constants; the policy defines the default.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, error) {
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

// DefaultPolicy is the default command policy content. Block takes
// precedence: the decision heads are kept disjoint so a command that is
// both privileged and destructive evaluates to a single output.
const DefaultPolicy = `
package command_policy

import rego.v1

default decision := "allow"

blocked if contains(input.command, "rm -rf /")

blocked if startswith(input.command, "mkfs")

blocked if contains(input.command, ":(){ :|:& };:")

needs_approval if input.requires_elevation == true

needs_approval if startswith(input.command, "sudo ")

decision := "block" if blocked

decision := "require_approval" if {
	needs_approval
	not blocked
}
`
