package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/skill"
)

// ErrRunNotFound is returned for run ids the registry has never seen.
var ErrRunNotFound = errors.New("run not found")

// defaultRetainTerminal bounds how many terminal runs stay in memory before
// the oldest are evicted to the archive.
const defaultRetainTerminal = 256

type handle struct {
	run    *Run
	cancel context.CancelFunc
	done   chan struct{}
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Runner *Runner
	// MaxConcurrent bounds concurrently executing runs; values <= 0
	// default to 4.
	MaxConcurrent int64
	// Archive persists terminal snapshots. Nil keeps runs in memory only,
	// in which case evicted runs are gone.
	Archive memory.RunArchive
	// RetainTerminal bounds terminal runs kept in memory; values <= 0
	// default to 256. Reads of evicted runs fall through to the archive.
	RetainTerminal int
	Logger         *slog.Logger
}

// Registry owns concurrently executing runs: it starts them under a
// concurrency bound, serves snapshots, and carries the cancellation
// interface. Terminal runs are archived and eventually evicted from memory;
// reads of evicted runs are served from the archive.
type Registry struct {
	runner  *Runner
	sem     *semaphore.Weighted
	archive memory.RunArchive
	retain  int
	logger  *slog.Logger

	mu       sync.Mutex
	handles  map[string]*handle
	terminal []string // terminal run ids in completion order, oldest first
}

func NewRegistry(cfg RegistryConfig) *Registry {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	retain := cfg.RetainTerminal
	if retain <= 0 {
		retain = defaultRetainTerminal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runner:  cfg.Runner,
		sem:     semaphore.NewWeighted(maxConcurrent),
		archive: cfg.Archive,
		retain:  retain,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Start validates the definition and launches the run in the background,
// returning its id. The run's lifetime is detached from the caller's
// context; it ends through completion or Cancel.
func (g *Registry) Start(ctx context.Context, def skill.Definition, initialArgs map[string]string) (string, error) {
	run, err := g.runner.Prepare(def, initialArgs)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{run: run, cancel: cancel, done: make(chan struct{})}

	g.mu.Lock()
	g.handles[run.ID()] = h
	g.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		if err := g.sem.Acquire(runCtx, 1); err == nil {
			defer g.sem.Release(1)
		}
		// If the acquire failed the context is already cancelled and
		// Execute terminates at its first checkpoint.
		g.runner.Execute(runCtx, run)
		g.retire(run)
	}()

	return run.ID(), nil
}

// retire archives a terminal run's snapshot and evicts the oldest terminal
// handles beyond the retention bound.
func (g *Registry) retire(run *Run) {
	snap := run.Snapshot()

	if g.archive != nil {
		results, err := json.Marshal(snap.Results)
		if err != nil {
			results = []byte("[]")
		}
		rec := memory.ArchivedRun{
			RunID:      snap.RunID,
			SkillID:    snap.SkillID,
			Status:     string(snap.Status),
			Results:    results,
			StartedAt:  snap.StartedAt,
			FinishedAt: snap.FinishedAt,
		}
		// Archival must land even when the run was just cancelled.
		if err := g.archive.SaveRun(context.Background(), rec); err != nil {
			g.logger.Warn("archiving run failed", "run_id", snap.RunID, "error", err)
		}
	}

	g.mu.Lock()
	g.terminal = append(g.terminal, snap.RunID)
	for len(g.terminal) > g.retain {
		delete(g.handles, g.terminal[0])
		g.terminal = g.terminal[1:]
	}
	g.mu.Unlock()
}

// Get returns a snapshot of a known run, reading evicted runs back from the
// archive.
func (g *Registry) Get(runID string) (Snapshot, error) {
	g.mu.Lock()
	h, ok := g.handles[runID]
	g.mu.Unlock()
	if ok {
		return h.run.Snapshot(), nil
	}
	return g.archived(runID)
}

// archived reconstructs a snapshot from the run archive.
func (g *Registry) archived(runID string) (Snapshot, error) {
	if g.archive == nil {
		return Snapshot{}, ErrRunNotFound
	}
	rec, err := g.archive.LoadRun(context.Background(), runID)
	if errors.Is(err, memory.ErrNotFound) {
		return Snapshot{}, ErrRunNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	var results []StepResult
	if len(rec.Results) > 0 {
		if err := json.Unmarshal(rec.Results, &results); err != nil {
			return Snapshot{}, fmt.Errorf("decoding archived run %s: %w", runID, err)
		}
	}
	return Snapshot{
		RunID:       rec.RunID,
		SkillID:     rec.SkillID,
		Status:      Status(rec.Status),
		Results:     results,
		CurrentStep: len(results),
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}, nil
}

// Cancel requests cooperative cancellation of a run. Idempotent: calling it
// repeatedly, or after the run reached a terminal state (including runs
// already evicted to the archive), is a successful no-op. Only an id the
// registry has never seen is an error.
func (g *Registry) Cancel(runID string) error {
	g.mu.Lock()
	h, ok := g.handles[runID]
	g.mu.Unlock()
	if !ok {
		if _, err := g.archived(runID); err == nil {
			return nil
		}
		return ErrRunNotFound
	}
	h.cancel()
	return nil
}

// Wait blocks until the run terminates or ctx expires, returning the final
// snapshot. Runs already evicted to the archive return immediately.
func (g *Registry) Wait(ctx context.Context, runID string) (Snapshot, error) {
	g.mu.Lock()
	h, ok := g.handles[runID]
	g.mu.Unlock()
	if !ok {
		return g.archived(runID)
	}
	select {
	case <-h.done:
		return h.run.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// List returns snapshots of all in-memory runs, newest first. Runs evicted
// to the archive are reachable through Get; the full per-attempt record
// lives in the learning log.
func (g *Registry) List() []Snapshot {
	g.mu.Lock()
	snapshots := make([]Snapshot, 0, len(g.handles))
	for _, h := range g.handles {
		snapshots = append(snapshots, h.run.Snapshot())
	}
	g.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.After(snapshots[j].StartedAt)
	})
	return snapshots
}
