package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMiss(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "no-such-signature")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get miss error = %v, want ErrNotFound", err)
	}
}

func TestRecordSuccessUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordSuccess(ctx, "sig-1", "refresh-credentials"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := s.RecordSuccess(ctx, "sig-1", "refresh-credentials"); err != nil {
		t.Fatalf("second RecordSuccess failed: %v", err)
	}

	r, err := s.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", r.SuccessCount)
	}
	if r.RemedyAction != "refresh-credentials" {
		t.Errorf("RemedyAction = %q", r.RemedyAction)
	}
	if r.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not set")
	}
	if !r.Confident() {
		t.Error("record with 2 successes and 0 failures should be confident")
	}
}

func TestRecordFailureNeverCreates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordFailure(ctx, "sig-absent"); err != nil {
		t.Fatalf("RecordFailure on absent signature failed: %v", err)
	}
	if _, err := s.Get(ctx, "sig-absent"); !errors.Is(err, ErrNotFound) {
		t.Fatal("RecordFailure created a record for an unproven fix")
	}

	if err := s.RecordSuccess(ctx, "sig-2", "reconnect"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if err := s.RecordFailure(ctx, "sig-2"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := s.RecordFailure(ctx, "sig-2"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	r, err := s.Get(ctx, "sig-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", r.FailureCount)
	}
	if r.Confident() {
		t.Error("1 success vs 2 failures should not be confident")
	}
}

func TestConcurrentCounterIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := s.RecordSuccess(ctx, "sig-hot", "reconnect"); err != nil {
					t.Errorf("RecordSuccess failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	r, err := s.Get(ctx, "sig-hot")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.SuccessCount != writers*perWriter {
		t.Errorf("SuccessCount = %d, want %d (lost increments)", r.SuccessCount, writers*perWriter)
	}
}

func TestLearningLogAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := Entry{
			ID:        uuid.New().String(),
			RunID:     "run-1",
			SkillID:   "deploy",
			StepID:    "push",
			Tool:      "git.push",
			Signature: "sig-3",
			Policy:    "autoHeal",
			Verdict:   "retryStep",
			Status:    "failed",
			Attempts:  i + 1,
			At:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Attempts != 3 {
		t.Errorf("newest entry attempts = %d, want 3", entries[0].Attempts)
	}
	if entries[0].At.Before(entries[1].At) {
		t.Error("entries not ordered newest first")
	}
}

func TestRunArchiveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	in := ArchivedRun{
		RunID:      uuid.New().String(),
		SkillID:    "deploy",
		Status:     "succeeded",
		Results:    []byte(`[{"stepId":"s","status":"succeeded","attempts":1}]`),
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}
	if err := s.SaveRun(ctx, in); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	out, err := s.LoadRun(ctx, in.RunID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if out.SkillID != "deploy" || out.Status != "succeeded" {
		t.Errorf("loaded run = %+v", out)
	}
	if string(out.Results) != string(in.Results) {
		t.Errorf("Results = %s, want %s", out.Results, in.Results)
	}
	if !out.StartedAt.Equal(in.StartedAt) || !out.FinishedAt.Equal(in.FinishedAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v", out.StartedAt, out.FinishedAt, in.StartedAt, in.FinishedAt)
	}

	// Re-archiving the same run replaces the row.
	in.Status = "failed"
	if err := s.SaveRun(ctx, in); err != nil {
		t.Fatalf("second SaveRun failed: %v", err)
	}
	out, err = s.LoadRun(ctx, in.RunID)
	if err != nil {
		t.Fatalf("LoadRun after replace failed: %v", err)
	}
	if out.Status != "failed" {
		t.Errorf("Status = %q, want failed after replace", out.Status)
	}
}

func TestLoadRunMiss(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadRun(context.Background(), "no-such-run"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadRun miss error = %v, want ErrNotFound", err)
	}
}
