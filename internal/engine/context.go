package engine

import (
	"fmt"
	"regexp"

	"github.com/kalambet/remedy/internal/skill"
)

// refPattern matches both kinds of argument references: outputs of earlier
// steps and the run's initial arguments.
var refPattern = regexp.MustCompile(`\$\{(steps\.([A-Za-z0-9_.-]+)\.output|args\.([A-Za-z0-9_.-]+))\}`)

// ExecutionContext holds the per-run step results that later steps'
// arguments resolve against. It has a single writer (the run's goroutine),
// so no locking is needed.
type ExecutionContext struct {
	args    map[string]string
	results map[string]StepResult
}

func NewExecutionContext(initialArgs map[string]string) *ExecutionContext {
	return &ExecutionContext{
		args:    initialArgs,
		results: make(map[string]StepResult),
	}
}

// Set records a step's result under its id.
func (c *ExecutionContext) Set(stepID string, res StepResult) {
	c.results[stepID] = res
}

// Result returns the recorded result for a step id.
func (c *ExecutionContext) Result(stepID string) (StepResult, bool) {
	res, ok := c.results[stepID]
	return res, ok
}

// ResolveArgs expands the step's argument references. A reference to a
// missing initial argument, to an unknown step, or to a step that didn't
// succeed is an unresolved reference: the step fails with a Validation
// classification before its tool is invoked.
func (c *ExecutionContext) ResolveArgs(step skill.Step) (map[string]string, error) {
	if len(step.Args) == 0 {
		return nil, nil
	}

	resolved := make(map[string]string, len(step.Args))
	for name, value := range step.Args {
		var refErr error
		expanded := refPattern.ReplaceAllStringFunc(value, func(match string) string {
			groups := refPattern.FindStringSubmatch(match)
			if stepID := groups[2]; stepID != "" {
				res, ok := c.results[stepID]
				if !ok {
					refErr = fmt.Errorf("unresolved reference: arg %q needs output of step %q which has not run", name, stepID)
					return match
				}
				if res.Status != StepSucceeded {
					refErr = fmt.Errorf("unresolved reference: arg %q needs output of step %q which ended %s", name, stepID, res.Status)
					return match
				}
				return res.Output
			}
			argName := groups[3]
			v, ok := c.args[argName]
			if !ok {
				refErr = fmt.Errorf("unresolved reference: arg %q needs run argument %q which was not provided", name, argName)
				return match
			}
			return v
		})
		if refErr != nil {
			return nil, refErr
		}
		resolved[name] = expanded
	}
	return resolved, nil
}
