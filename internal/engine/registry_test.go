package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/skill"
)

// fakeArchive is an in-memory RunArchive double.
type fakeArchive struct {
	mu   sync.Mutex
	runs map[string]memory.ArchivedRun
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{runs: make(map[string]memory.ArchivedRun)}
}

func (f *fakeArchive) SaveRun(ctx context.Context, r memory.ArchivedRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.RunID] = r
	return nil
}

func (f *fakeArchive) LoadRun(ctx context.Context, runID string) (memory.ArchivedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return memory.ArchivedRun{}, memory.ErrNotFound
	}
	return r, nil
}

func newRegistryFixture(t *testing.T, maxConcurrent int64) (*runnerFixture, *Registry) {
	t.Helper()
	fx := newRunnerFixture(t)
	return fx, NewRegistry(RegistryConfig{Runner: fx.runner, MaxConcurrent: maxConcurrent})
}

func TestRegistryStartAndWait(t *testing.T) {
	fx, reg := newRegistryFixture(t, 2)
	fx.invoker.script("git.pull", alwaysSucceed("ok"))

	def := skill.Definition{ID: "bg", Steps: []skill.Step{{ID: "s", Tool: "git.pull"}}}
	id, err := reg.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := reg.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", snap.Status)
	}

	got, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RunID != id {
		t.Errorf("Get returned id %s, want %s", got.RunID, id)
	}
}

func TestRegistryStartRejectsInvalidDefinition(t *testing.T) {
	_, reg := newRegistryFixture(t, 2)
	def := skill.Definition{ID: "bad"} // no steps
	if _, err := reg.Start(context.Background(), def, nil); err == nil {
		t.Fatal("Start accepted a definition with no steps")
	}
}

func TestRegistryUnknownRun(t *testing.T) {
	_, reg := newRegistryFixture(t, 2)
	if _, err := reg.Get("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get error = %v, want ErrRunNotFound", err)
	}
	if err := reg.Cancel("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Cancel error = %v, want ErrRunNotFound", err)
	}
	if _, err := reg.Wait(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Wait error = %v, want ErrRunNotFound", err)
	}
}

func TestRegistryCancelIsIdempotent(t *testing.T) {
	fx, reg := newRegistryFixture(t, 2)

	started := make(chan struct{})
	fx.invoker.scriptCtx("blocker", func(ctx context.Context, _ int, _ map[string]string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	def := skill.Definition{ID: "slow", Steps: []skill.Step{{ID: "s", Tool: "blocker"}}}
	id, err := reg.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started executing")
	}

	if err := reg.Cancel(id); err != nil {
		t.Fatalf("first Cancel failed: %v", err)
	}
	if err := reg.Cancel(id); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := reg.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !snap.Status.Terminal() {
		t.Errorf("status = %s, want a terminal status", snap.Status)
	}

	// Cancelling a finished run stays a no-op.
	if err := reg.Cancel(id); err != nil {
		t.Fatalf("Cancel after terminal state failed: %v", err)
	}
}

// A cancelled run whose tool honors the context ends Aborted: the in-flight
// attempt failed on the run's behalf.
func TestRegistryCancelAbortsInFlightStep(t *testing.T) {
	fx, reg := newRegistryFixture(t, 2)

	started := make(chan struct{})
	fx.invoker.scriptCtx("blocker", func(ctx context.Context, _ int, _ map[string]string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	def := skill.Definition{ID: "slow", Steps: []skill.Step{{ID: "s", Tool: "blocker"}}}
	id, err := reg.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started executing")
	}
	if err := reg.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := reg.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if snap.Status != StatusAborted {
		t.Errorf("status = %s, want aborted", snap.Status)
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	fx, reg := newRegistryFixture(t, 2)
	fx.invoker.script("git.pull", alwaysSucceed("ok"))

	def := skill.Definition{ID: "a", Steps: []skill.Step{{ID: "s", Tool: "git.pull"}}}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := reg.Start(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := reg.Wait(ctx, id); err != nil {
			cancel()
			t.Fatalf("Wait failed: %v", err)
		}
		cancel()
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond)
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d runs, want 3", len(list))
	}
	if list[0].RunID != ids[2] || list[2].RunID != ids[0] {
		t.Errorf("List order = [%s %s %s], want newest first", list[0].RunID, list[1].RunID, list[2].RunID)
	}
}

func TestRegistryArchivesFinishedRuns(t *testing.T) {
	fx := newRunnerFixture(t)
	arch := newFakeArchive()
	reg := NewRegistry(RegistryConfig{Runner: fx.runner, MaxConcurrent: 2, Archive: arch})
	fx.invoker.script("git.pull", alwaysSucceed("ok"))

	def := skill.Definition{ID: "deploy", Steps: []skill.Step{{ID: "s", Tool: "git.pull"}}}
	id, err := reg.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := reg.Wait(ctx, id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	rec, err := arch.LoadRun(context.Background(), id)
	if err != nil {
		t.Fatalf("run was not archived: %v", err)
	}
	if rec.SkillID != "deploy" || rec.Status != string(StatusSucceeded) {
		t.Errorf("archived run = %+v", rec)
	}
	var results []StepResult
	if err := json.Unmarshal(rec.Results, &results); err != nil {
		t.Fatalf("archived results don't decode: %v", err)
	}
	if len(results) != 1 || results[0].StepID != "s" {
		t.Errorf("archived results = %+v, want one result for step s", results)
	}
}

func TestRegistryEvictsTerminalRunsToArchive(t *testing.T) {
	fx := newRunnerFixture(t)
	arch := newFakeArchive()
	reg := NewRegistry(RegistryConfig{
		Runner:         fx.runner,
		MaxConcurrent:  2,
		Archive:        arch,
		RetainTerminal: 1,
	})
	fx.invoker.script("git.pull", alwaysSucceed("ok"))

	def := skill.Definition{ID: "a", Steps: []skill.Step{{ID: "s", Tool: "git.pull"}}}

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := reg.Start(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := reg.Wait(ctx, id); err != nil {
			cancel()
			t.Fatalf("Wait failed: %v", err)
		}
		cancel()
		ids = append(ids, id)
	}

	// Retention 1 keeps only the newest terminal run in memory.
	if list := reg.List(); len(list) != 1 || list[0].RunID != ids[1] {
		t.Fatalf("List = %+v, want only the newest run", list)
	}

	// The evicted run is still readable, served from the archive.
	snap, err := reg.Get(ids[0])
	if err != nil {
		t.Fatalf("Get(evicted) failed: %v", err)
	}
	if snap.RunID != ids[0] || snap.Status != StatusSucceeded {
		t.Errorf("archived snapshot = %+v", snap)
	}
	if len(snap.Results) != 1 || snap.Results[0].Status != StepSucceeded {
		t.Errorf("archived results = %+v", snap.Results)
	}

	// Cancelling an evicted (terminal) run stays an idempotent no-op.
	if err := reg.Cancel(ids[0]); err != nil {
		t.Errorf("Cancel(evicted) = %v, want nil", err)
	}
}

func TestRegistryBoundsConcurrentRuns(t *testing.T) {
	fx, reg := newRegistryFixture(t, 2)
	fx.invoker.script("git.pull", alwaysSucceed("ok"))

	def := skill.Definition{ID: "many", Steps: []skill.Step{{ID: "s", Tool: "git.pull"}}}

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := reg.Start(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		snap, err := reg.Wait(ctx, id)
		if err != nil {
			t.Fatalf("Wait(%s) failed: %v", id, err)
		}
		if snap.Status != StatusSucceeded {
			t.Errorf("run %s status = %s, want succeeded", id, snap.Status)
		}
	}
}
