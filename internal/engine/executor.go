package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/remedy/internal/skill"
	"github.com/kalambet/remedy/internal/tools"
)

// Executor performs a single step attempt: one tool invocation under a hard
// per-attempt timeout. It is stateless between calls; side effects belong
// to the invoked tool.
type Executor struct {
	invoker tools.Invoker
	timeout time.Duration
}

// NewExecutor wraps a tool invoker. timeout bounds each attempt; values <=
// 0 default to 60s.
func NewExecutor(invoker tools.Invoker, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{invoker: invoker, timeout: timeout}
}

// Execute runs one attempt of the step. The raw error is returned
// unclassified; classification happens downstream in the resolver. A blown
// per-attempt deadline surfaces as context.DeadlineExceeded so it
// classifies as Timeout.
func (e *Executor) Execute(ctx context.Context, step skill.Step, args map[string]string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.invoker.Invoke(attemptCtx, step.Tool, args)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("tool %s exceeded the %s attempt timeout: %w",
				step.Tool, e.timeout, context.DeadlineExceeded)
		}
		return "", err
	}
	return out, nil
}
