package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/remedy/internal/classify"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/metrics"
)

// Action is one remediation step: idempotent, safe to retry, bounded by the
// healer's per-action timeout. What an action actually does (refresh a
// credential, reopen a tunnel) lives with the embedder, not the engine.
type Action func(ctx context.Context) error

// ActionRegistry resolves remediation action names to their
// implementations. Safe for concurrent use.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register binds an action name, replacing any previous binding.
func (r *ActionRegistry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

func (r *ActionRegistry) get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// DefaultCatalog maps error kinds to the ordered remediation actions tried
// for them. It is a starting point, not engine behavior: callers replace or
// extend it through HealerConfig.
func DefaultCatalog() map[classify.Kind][]string {
	return map[classify.Kind][]string{
		classify.KindAuth:      {"refresh-credentials"},
		classify.KindNetwork:   {"reconnect"},
		classify.KindRateLimit: {"cooldown"},
		classify.KindTimeout:   {"cooldown", "reconnect"},
	}
}

// Outcome reports a remediation attempt.
type Outcome struct {
	Succeeded bool
	Action    string
}

// HealerConfig wires a Healer.
type HealerConfig struct {
	// Catalog maps error kinds to candidate action names, tried in order.
	// Nil selects DefaultCatalog.
	Catalog map[classify.Kind][]string
	Actions *ActionRegistry
	// Memory may be nil: remediation still runs, outcomes just aren't
	// recorded.
	Memory memory.Store
	// ActionTimeout bounds each action invocation. Defaults to 15s.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// Healer runs bounded remediation for classified failures and records the
// outcome in the remedy memory.
type Healer struct {
	catalog map[classify.Kind][]string
	actions *ActionRegistry
	memory  memory.Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewHealer(cfg HealerConfig) *Healer {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	actions := cfg.Actions
	if actions == nil {
		actions = NewActionRegistry()
	}
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		catalog: catalog,
		actions: actions,
		memory:  cfg.Memory,
		timeout: timeout,
		logger:  logger,
	}
}

// Heal tries the catalog's candidate actions for the failure's kind, in
// order, until one succeeds or the list is exhausted. Success writes a
// remedy record; total failure only increments the failure counter of an
// existing record.
func (h *Healer) Heal(ctx context.Context, c classify.Classification) Outcome {
	candidates := h.catalog[c.Kind]
	var last string
	for _, name := range candidates {
		if ctx.Err() != nil {
			break
		}
		last = name
		if err := h.runAction(ctx, name); err != nil {
			h.logger.Warn("remediation action failed",
				"action", name, "kind", c.Kind, "signature", c.Signature, "error", err)
			continue
		}
		h.recordSuccess(ctx, c, name)
		return Outcome{Succeeded: true, Action: name}
	}

	h.recordFailure(ctx, c)
	return Outcome{Succeeded: false, Action: last}
}

// ApplyAction runs a single named action, bypassing the candidate search.
// This is the path for remedies recalled from memory or the vector
// fallback.
func (h *Healer) ApplyAction(ctx context.Context, name string, c classify.Classification) Outcome {
	if err := h.runAction(ctx, name); err != nil {
		h.logger.Warn("recalled remedy failed",
			"action", name, "kind", c.Kind, "signature", c.Signature, "error", err)
		h.recordFailure(ctx, c)
		return Outcome{Succeeded: false, Action: name}
	}
	h.recordSuccess(ctx, c, name)
	return Outcome{Succeeded: true, Action: name}
}

func (h *Healer) runAction(ctx context.Context, name string) error {
	action, ok := h.actions.get(name)
	if !ok {
		return fmt.Errorf("remediation action %q is not registered", name)
	}
	actionCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return action(actionCtx)
}

func (h *Healer) recordSuccess(ctx context.Context, c classify.Classification, action string) {
	metrics.RemediationsTotal.WithLabelValues(string(c.Kind), "succeeded").Inc()
	if h.memory == nil {
		return
	}
	if err := h.memory.RecordSuccess(ctx, c.Signature, action); err != nil {
		h.logger.Warn("recording remedy success failed", "signature", c.Signature, "error", err)
	}
}

func (h *Healer) recordFailure(ctx context.Context, c classify.Classification) {
	metrics.RemediationsTotal.WithLabelValues(string(c.Kind), "failed").Inc()
	if h.memory == nil {
		return
	}
	if err := h.memory.RecordFailure(ctx, c.Signature); err != nil {
		h.logger.Warn("recording remedy failure failed", "signature", c.Signature, "error", err)
	}
}
