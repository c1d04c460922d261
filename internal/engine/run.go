package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/remedy/internal/classify"
	"github.com/kalambet/remedy/internal/skill"
)

// Status is the coarse lifecycle state of a skill run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusAborted         Status = "aborted"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyFailed, StatusFailed, StatusAborted, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records what one step produced: its output on success, its
// classified failure otherwise, and how many executor attempts were made.
type StepResult struct {
	StepID   string                   `json:"stepId"`
	Status   StepStatus               `json:"status"`
	Output   string                   `json:"output,omitempty"`
	Error    *classify.Classification `json:"error,omitempty"`
	Attempts int                      `json:"attempts"`
}

// Run is the mutable state of one skill execution. The runner is its single
// writer; everyone else reads through Snapshot.
type Run struct {
	mu          sync.Mutex
	id          string
	def         skill.Definition
	initialArgs map[string]string
	status      Status
	results     []StepResult
	currentStep int
	startedAt   time.Time
	finishedAt  time.Time
}

func newRun(def skill.Definition, initialArgs map[string]string) *Run {
	return &Run{
		id:          uuid.New().String(),
		def:         def,
		initialArgs: initialArgs,
		status:      StatusPending,
	}
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// SkillID returns the executed skill's identifier.
func (r *Run) SkillID() string { return r.def.ID }

// Snapshot is an immutable copy of a run's state, safe to hand to
// concurrent readers.
type Snapshot struct {
	RunID       string       `json:"runId"`
	SkillID     string       `json:"skillId"`
	Status      Status       `json:"status"`
	Results     []StepResult `json:"results"`
	CurrentStep int          `json:"currentStep"`
	StartedAt   time.Time    `json:"startedAt,omitzero"`
	FinishedAt  time.Time    `json:"finishedAt,omitzero"`
}

// Snapshot copies the run state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]StepResult, len(r.results))
	copy(results, r.results)
	return Snapshot{
		RunID:       r.id,
		SkillID:     r.def.ID,
		Status:      r.status,
		Results:     results,
		CurrentStep: r.currentStep,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
	}
}

// Status returns the current lifecycle state.
func (r *Run) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.startedAt = time.Now().UTC()
}

func (r *Run) finish(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.finishedAt = time.Now().UTC()
}

func (r *Run) setCurrentStep(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentStep = i
}

func (r *Run) appendResult(res StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}
