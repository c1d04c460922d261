// Package engine orchestrates skill runs: it executes the ordered step
// list, resolves argument references, hands failures to the recovery
// resolver and applies its verdicts, and emits status events along the way.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/remedy/internal/classify"
	"github.com/kalambet/remedy/internal/events"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/metrics"
	"github.com/kalambet/remedy/internal/recovery"
	"github.com/kalambet/remedy/internal/skill"
)

// RunnerConfig wires a Runner. Log and Bus are optional: a nil log drops
// outcomes, a nil bus drops events.
type RunnerConfig struct {
	Executor *Executor
	Resolver *recovery.Resolver
	Log      memory.LearningLog
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Runner drives skill runs to a terminal state. Steps execute strictly in
// order; within a run there is exactly one writer of the execution context.
type Runner struct {
	executor *Executor
	resolver *recovery.Resolver
	llog     memory.LearningLog
	bus      *events.Bus
	logger   *slog.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		executor: cfg.Executor,
		resolver: cfg.Resolver,
		llog:     cfg.Log,
		bus:      cfg.Bus,
		logger:   logger,
	}
}

// Prepare validates the definition and returns a pending run. Malformed
// definitions are rejected here, synchronously, before any step executes.
func (r *Runner) Prepare(def skill.Definition, initialArgs map[string]string) (*Run, error) {
	skill.ApplyDefaults(&def)
	if err := skill.Validate(def); err != nil {
		return nil, fmt.Errorf("invalid skill definition: %w", err)
	}
	return newRun(def, initialArgs), nil
}

// Run is the one-shot form: validate, execute, return the terminal run.
func (r *Runner) Run(ctx context.Context, def skill.Definition, initialArgs map[string]string) (*Run, error) {
	run, err := r.Prepare(def, initialArgs)
	if err != nil {
		return nil, err
	}
	r.Execute(ctx, run)
	return run, nil
}

// Execute drives a prepared run to a terminal state. Cancellation is
// cooperative: it is checked before each step and before each retry, never
// interrupting an in-flight tool call.
func (r *Runner) Execute(ctx context.Context, run *Run) {
	run.start()
	r.publish(events.Event{Type: events.RunStarted, RunID: run.id, SkillID: run.def.ID})
	r.logger.Info("run started", "run_id", run.id, "skill", run.def.ID, "steps", len(run.def.Steps))

	execCtx := NewExecutionContext(run.initialArgs)

	var (
		status         Status
		skippedFailure bool
	)

	for i, st := range run.def.Steps {
		if ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		run.setCurrentStep(i)
		r.publish(events.Event{Type: events.StepStarted, RunID: run.id, SkillID: run.def.ID, StepID: st.ID})

		res, verdict, preempted := r.runStep(ctx, run, st, execCtx)
		execCtx.Set(st.ID, res)
		run.appendResult(res)
		metrics.StepAttemptsTotal.WithLabelValues(string(verdict)).Inc()

		ev := events.Event{
			Type:     events.StepFinished,
			RunID:    run.id,
			SkillID:  run.def.ID,
			StepID:   st.ID,
			Verdict:  string(verdict),
			Status:   string(res.Status),
			Attempts: res.Attempts,
		}
		if res.Error != nil {
			ev.ErrorKind = string(res.Error.Kind)
		}
		r.publish(ev)

		if preempted {
			// Cancellation arrived between attempts; the next one never started.
			status = StatusCancelled
			break
		}
		if verdict == recovery.VerdictAbortSkill {
			if ctx.Err() != nil {
				// Cancellation landed while the failing attempt was in
				// flight; the abort is on its behalf.
				status = StatusAborted
			} else {
				status = StatusFailed
			}
			break
		}
		if res.Status == StepSkipped {
			skippedFailure = true
		}
	}

	if status == "" {
		if skippedFailure {
			status = StatusPartiallyFailed
		} else {
			status = StatusSucceeded
		}
	}

	run.finish(status)
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	r.publish(events.Event{Type: events.RunFinished, RunID: run.id, SkillID: run.def.ID, Status: string(status)})
	r.logger.Info("run finished", "run_id", run.id, "skill", run.def.ID, "status", status)
}

// runStep executes one step under its attempt budget, consulting the
// resolver after each failed attempt. The returned bool reports that
// cancellation preempted a retry.
func (r *Runner) runStep(ctx context.Context, run *Run, st skill.Step, execCtx *ExecutionContext) (StepResult, recovery.Verdict, bool) {
	attempts := 0
	for {
		if attempts > 0 && ctx.Err() != nil {
			res := StepResult{StepID: st.ID, Status: StepFailed, Attempts: attempts}
			diag := classify.Classify(st.Tool, ctx.Err())
			res.Error = &diag
			return res, recovery.VerdictAbortSkill, true
		}

		var out string
		args, err := execCtx.ResolveArgs(st)
		if err == nil {
			out, err = r.executor.Execute(ctx, st, args)
		}
		attempts++

		if err == nil {
			res := StepResult{StepID: st.ID, Status: StepSucceeded, Output: out, Attempts: attempts}
			r.logOutcome(ctx, run, st, res, classify.Classification{}, recovery.VerdictProceed)
			return res, recovery.VerdictProceed, false
		}

		dec := r.resolver.Resolve(ctx, st, err, attempts)
		c := dec.Classification
		res := StepResult{StepID: st.ID, Status: StepFailed, Error: &c, Attempts: attempts}
		r.logOutcome(ctx, run, st, res, c, dec.Verdict)

		switch dec.Verdict {
		case recovery.VerdictRetryStep:
			r.logger.Info("retrying step",
				"run_id", run.id, "step", st.ID, "attempt", attempts, "kind", c.Kind, "reason", dec.Reason)
			continue
		case recovery.VerdictSkipStep:
			r.logger.Warn("skipping failed step",
				"run_id", run.id, "step", st.ID, "kind", c.Kind, "reason", dec.Reason)
			res.Status = StepSkipped
			return res, dec.Verdict, false
		default:
			r.logger.Error("aborting skill",
				"run_id", run.id, "step", st.ID, "kind", c.Kind, "reason", dec.Reason)
			return res, recovery.VerdictAbortSkill, false
		}
	}
}

// logOutcome appends to the learning log. Best-effort: a failed write is
// logged and otherwise ignored, it never affects the run.
func (r *Runner) logOutcome(ctx context.Context, run *Run, st skill.Step, res StepResult, c classify.Classification, verdict recovery.Verdict) {
	if r.llog == nil {
		return
	}
	e := memory.Entry{
		ID:         uuid.New().String(),
		RunID:      run.id,
		SkillID:    run.def.ID,
		StepID:     st.ID,
		Tool:       st.Tool,
		Signature:  c.Signature,
		Normalized: c.Normalized,
		Policy:     string(st.OnError),
		Verdict:    string(verdict),
		Status:     string(res.Status),
		Attempts:   res.Attempts,
		At:         time.Now().UTC(),
	}
	// The entry should land even when the run is being cancelled.
	if err := r.llog.Append(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn("learning log write failed", "run_id", run.id, "step", st.ID, "error", err)
	}
}

func (r *Runner) publish(e events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(e)
}
