// Package recovery decides how a skill run reacts to a failed step: it
// classifies the failure, consults the remedy memory and its vector
// fallback, drives bounded remediation, and returns a verdict.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/remedy/internal/classify"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/skill"
)

// Verdict tells the runner what to do with a failed step.
type Verdict string

const (
	VerdictProceed    Verdict = "proceed"
	VerdictRetryStep  Verdict = "retryStep"
	VerdictSkipStep   Verdict = "skipStep"
	VerdictAbortSkill Verdict = "abortSkill"
)

// Decision is the resolver's answer for one step-failure event.
type Decision struct {
	Verdict        Verdict
	Classification classify.Classification
	// Reason explains the verdict for events and the learning log.
	Reason string
}

// ResolverConfig wires a Resolver. Memory and Vectors degrade to misses
// when unavailable; Healer is required for the remediating policies.
type ResolverConfig struct {
	Memory memory.Store
	// Vectors may be nil, which turns every similarity query into a miss.
	Vectors memory.VectorSearcher
	Healer  *Healer
	// VectorThreshold is the minimum similarity an accepted candidate
	// needs. Defaults to 0.8.
	VectorThreshold float32
	// VectorTopK bounds the candidate set per query. Defaults to 3.
	VectorTopK int
	Logger     *slog.Logger
}

// Resolver applies the per-step failure policy.
type Resolver struct {
	memory    memory.Store
	vectors   memory.VectorSearcher
	healer    *Healer
	threshold float32
	topK      int
	logger    *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	threshold := cfg.VectorThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	topK := cfg.VectorTopK
	if topK <= 0 {
		topK = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		memory:    cfg.Memory,
		vectors:   cfg.Vectors,
		healer:    cfg.Healer,
		threshold: threshold,
		topK:      topK,
		logger:    logger,
	}
}

// Resolve classifies the failure of one step attempt and returns the
// verdict for it. attempt is the number of executor attempts already made
// for this step; it bounds every retry path, whichever sub-path produced
// it. Classification is re-run per attempt, never cached, so a step that
// alternates error kinds gets a fresh remediation family each time.
func (r *Resolver) Resolve(ctx context.Context, step skill.Step, failure error, attempt int) Decision {
	c := classify.Classify(step.Tool, failure)

	switch step.OnError {
	case skill.PolicyFailFast:
		return Decision{
			Verdict:        VerdictAbortSkill,
			Classification: c,
			Reason:         "failFast policy aborts on first failure",
		}

	case skill.PolicyContinue:
		if step.Critical {
			// A critical step configured to vanish silently is a definition
			// bug, not a tolerable failure.
			diag := classify.Validation(step.Tool,
				fmt.Sprintf("critical step %q has onError=continue; escalating to abort", step.ID))
			return Decision{
				Verdict:        VerdictAbortSkill,
				Classification: diag,
				Reason:         "critical step must not be silently skipped",
			}
		}
		return Decision{
			Verdict:        VerdictSkipStep,
			Classification: c,
			Reason:         "continue policy skips non-critical failures",
		}

	case skill.PolicyMemoryLookup:
		if attempt >= step.MaxAttempts {
			return r.miss(step, c, "attempt budget exhausted")
		}
		rec, ok := r.lookup(ctx, c)
		if !ok || !rec.Confident() {
			return r.miss(step, c, "no confident remedy cached for signature")
		}
		if out := r.healer.ApplyAction(ctx, rec.RemedyAction, c); !out.Succeeded {
			return r.miss(step, c, fmt.Sprintf("cached remedy %q failed", rec.RemedyAction))
		}
		return Decision{
			Verdict:        VerdictRetryStep,
			Classification: c,
			Reason:         fmt.Sprintf("applied cached remedy %q", rec.RemedyAction),
		}

	case skill.PolicyVectorSearch:
		if attempt >= step.MaxAttempts {
			return r.miss(step, c, "attempt budget exhausted")
		}
		action, ok := r.similarRemedy(ctx, c)
		if !ok {
			return r.miss(step, c, "no similar signature above acceptance threshold")
		}
		if out := r.healer.ApplyAction(ctx, action, c); !out.Succeeded {
			return r.miss(step, c, fmt.Sprintf("similar remedy %q failed", action))
		}
		return Decision{
			Verdict:        VerdictRetryStep,
			Classification: c,
			Reason:         fmt.Sprintf("applied remedy %q from similar signature", action),
		}

	case skill.PolicyAutoHeal:
		if attempt >= step.MaxAttempts {
			return r.miss(step, c, "attempt budget exhausted")
		}
		// Fast path: a confident cached remedy means the failure mode is
		// already understood; retry without paying for remediation again.
		if rec, ok := r.lookup(ctx, c); ok && rec.Confident() {
			return Decision{
				Verdict:        VerdictRetryStep,
				Classification: c,
				Reason:         fmt.Sprintf("confident remedy %q on record, retrying", rec.RemedyAction),
			}
		}
		if out := r.healer.Heal(ctx, c); out.Succeeded {
			return Decision{
				Verdict:        VerdictRetryStep,
				Classification: c,
				Reason:         fmt.Sprintf("remediation %q succeeded", out.Action),
			}
		}
		// Degraded fallback: remediation by kind got nowhere, but a
		// similar historical signature may know a fix.
		if action, ok := r.similarRemedy(ctx, c); ok {
			if out := r.healer.ApplyAction(ctx, action, c); out.Succeeded {
				return Decision{
					Verdict:        VerdictRetryStep,
					Classification: c,
					Reason:         fmt.Sprintf("fallback remedy %q from similar signature", action),
				}
			}
		}
		return r.miss(step, c, "remediation exhausted")

	default:
		// Unknown policies are rejected at validation; reaching this means
		// a definition bypassed Validate.
		diag := classify.Validation(step.Tool,
			fmt.Sprintf("step %q has unknown onError policy %q", step.ID, step.OnError))
		return Decision{
			Verdict:        VerdictAbortSkill,
			Classification: diag,
			Reason:         "unknown failure policy",
		}
	}
}

// miss is the shared no-remedy handling: skip non-critical steps, abort on
// critical ones.
func (r *Resolver) miss(step skill.Step, c classify.Classification, reason string) Decision {
	if step.Critical {
		return Decision{Verdict: VerdictAbortSkill, Classification: c, Reason: reason}
	}
	return Decision{Verdict: VerdictSkipStep, Classification: c, Reason: reason}
}

// lookup reads the remedy memory, degrading store errors to a miss.
func (r *Resolver) lookup(ctx context.Context, c classify.Classification) (memory.Record, bool) {
	if r.memory == nil {
		return memory.Record{}, false
	}
	rec, err := r.memory.Get(ctx, c.Signature)
	if err != nil {
		if err != memory.ErrNotFound {
			r.logger.Warn("remedy memory unavailable, treating as miss",
				"signature", c.Signature, "error", err)
		}
		return memory.Record{}, false
	}
	return rec, true
}

// similarRemedy queries the vector fallback and returns the best remedy at
// or above the acceptance threshold. Index errors degrade to a miss.
func (r *Resolver) similarRemedy(ctx context.Context, c classify.Classification) (string, bool) {
	if r.vectors == nil {
		return "", false
	}
	candidates, err := r.vectors.Query(ctx, c.Normalized, r.topK)
	if err != nil {
		r.logger.Warn("vector fallback unavailable, treating as miss",
			"signature", c.Signature, "error", err)
		return "", false
	}
	for _, cand := range candidates {
		if cand.Similarity >= r.threshold {
			return cand.RemedyAction, true
		}
	}
	return "", false
}
