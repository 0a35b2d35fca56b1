package tools

import "github.com/xiaot623/gogo/agent/internal/domain"

// runReason handles reasoning/planning steps. They perform no local
// side effects; the step's stated goal is echoed back as the result so
// the orchestrator sees the step acknowledged.
func runReason(step *domain.Step, args ReasonArgs) Outcome {
	output := args.Output
	if output == "" {
		output = step.Goal
	}
	if output == "" {
		output = step.Description
	}
	return Outcome{Success: true, Output: output}
}
