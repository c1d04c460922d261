// Package memory persists remedy outcomes: an exact-signature cache of
// known fixes, a similarity fallback over historical signatures, and the
// append-only learning log.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Record is a cached remedy for one failure signature. It is written only
// after a remediation attempt resolves; the counters track how often the
// stored action actually fixed the failure.
type Record struct {
	Signature     string    `json:"signature"`
	RemedyAction  string    `json:"remedyAction"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitzero"`
}

// Confident reports whether the cached remedy has worked more often than
// not, which is the bar for applying it without a fresh remediation search.
func (r Record) Confident() bool {
	return r.SuccessCount > r.FailureCount
}

// Store is the exact-key remedy cache consumed by the recovery resolver.
type Store interface {
	// Get returns the record for a signature, or ErrNotFound on a miss.
	Get(ctx context.Context, signature string) (Record, error)

	// RecordSuccess upserts the remedy for a signature and atomically
	// increments its success counter.
	RecordSuccess(ctx context.Context, signature, action string) error

	// RecordFailure atomically increments the failure counter of an
	// existing record. It never creates a record: a failed remediation
	// must not assert a nonexistent fix.
	RecordFailure(ctx context.Context, signature string) error
}

// Candidate is a similarity-search result over historical signatures.
type Candidate struct {
	Signature    string
	RemedyAction string
	Similarity   float32
}

// VectorSearcher is the read-only similarity fallback. The engine never
// writes to the index; it is rebuilt by an offline reindex pass.
type VectorSearcher interface {
	Query(ctx context.Context, normalized string, topK int) ([]Candidate, error)
}

// ArchivedRun is the persisted form of a run that reached a terminal state.
// Results holds the JSON-encoded step results; the archive stores them
// opaquely so the schema doesn't chase the engine's result shape.
type ArchivedRun struct {
	RunID      string
	SkillID    string
	Status     string
	Results    []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunArchive persists terminal run snapshots so history survives restarts
// and the in-memory run registry can stay bounded.
type RunArchive interface {
	SaveRun(ctx context.Context, r ArchivedRun) error

	// LoadRun returns an archived run, or ErrNotFound on a miss.
	LoadRun(ctx context.Context, runID string) (ArchivedRun, error)
}

// Entry is one learning-log row: the outcome of a single step attempt,
// recorded regardless of policy or verdict.
type Entry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	SkillID    string    `json:"skillId"`
	StepID     string    `json:"stepId"`
	Tool       string    `json:"tool"`
	Signature  string    `json:"signature"`
	Normalized string    `json:"normalized,omitempty"`
	Policy     string    `json:"policy"`
	Verdict    string    `json:"verdict"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// LearningLog is the append-only outcome recorder. Writes are best-effort:
// the caller logs and continues on error, never failing the run.
type LearningLog interface {
	Append(ctx context.Context, e Entry) error
}
