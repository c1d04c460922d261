// Package skill defines the declarative skill document: an ordered list of
// steps, each invoking one external tool with a per-step failure policy.
package skill

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Policy controls how the engine reacts when a step fails.
type Policy string

const (
	// PolicyAutoHeal classifies the failure, consults the remedy memory and
	// runs bounded remediation actions before retrying.
	PolicyAutoHeal Policy = "autoHeal"
	// PolicyMemoryLookup applies a previously cached remedy (if confident)
	// and retries; no fresh remediation search is performed.
	PolicyMemoryLookup Policy = "memoryLookup"
	// PolicyVectorSearch falls back to similarity search over historical
	// failure signatures when no exact remedy is cached.
	PolicyVectorSearch Policy = "vectorSearch"
	// PolicyFailFast aborts the whole skill on the first failure.
	PolicyFailFast Policy = "failFast"
	// PolicyContinue skips the failed step and advances. Invalid on
	// critical steps.
	PolicyContinue Policy = "continue"
)

// Valid reports whether p is one of the five known policies.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAutoHeal, PolicyMemoryLookup, PolicyVectorSearch, PolicyFailFast, PolicyContinue:
		return true
	}
	return false
}

// DefaultMaxAttempts is the attempt budget a step gets when the document
// doesn't set one: a single attempt for non-recovering policies, three for
// policies that can remediate and retry.
func (p Policy) DefaultMaxAttempts() int {
	switch p {
	case PolicyAutoHeal, PolicyMemoryLookup, PolicyVectorSearch:
		return 3
	default:
		return 1
	}
}

// Step is one unit of work: a tool invocation with arguments and a failure
// policy. Args values may reference outputs of earlier steps via
// ${steps.<id>.output} or run inputs via ${args.<name>}.
type Step struct {
	ID          string            `yaml:"id" json:"id"`
	Tool        string            `yaml:"tool" json:"tool"`
	Args        map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
	OnError     Policy            `yaml:"onError,omitempty" json:"onError,omitempty"`
	Critical    bool              `yaml:"critical,omitempty" json:"critical,omitempty"`
	MaxAttempts int               `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
}

// Definition is an immutable skill document: an id plus an ordered step list.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

var stepRefPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_.-]+)\.output\}`)

// StepReferences returns the ids of earlier steps referenced by the value.
func StepReferences(value string) []string {
	matches := stepRefPattern.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// Parse decodes a YAML skill document, fills in policy defaults and
// validates the result.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing skill document: %w", err)
	}
	ApplyDefaults(&def)
	if err := Validate(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Load reads and parses a skill document from disk.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading skill document: %w", err)
	}
	return Parse(data)
}

// ApplyDefaults fills in the per-step defaults for definitions constructed
// programmatically or decoded from a document.
func ApplyDefaults(def *Definition) {
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.OnError == "" {
			step.OnError = PolicyFailFast
		}
		if step.MaxAttempts == 0 {
			step.MaxAttempts = step.OnError.DefaultMaxAttempts()
		}
	}
}

// Validate rejects malformed definitions before any step executes: missing
// ids or tools, unknown policies, duplicate step ids, attempt budgets below
// one, critical steps configured to be silently skipped, and argument
// references that don't point to a strictly earlier step (which covers both
// dangling and cyclic references).
func Validate(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("skill %q has no steps", def.ID)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("skill %q: step %d has no id", def.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("skill %q: duplicate step id %q", def.ID, step.ID)
		}
		if step.Tool == "" {
			return fmt.Errorf("skill %q: step %q has no tool", def.ID, step.ID)
		}
		if !step.OnError.Valid() {
			return fmt.Errorf("skill %q: step %q has unknown onError policy %q", def.ID, step.ID, step.OnError)
		}
		if step.MaxAttempts < 1 {
			return fmt.Errorf("skill %q: step %q has maxAttempts %d, must be >= 1", def.ID, step.ID, step.MaxAttempts)
		}
		if step.Critical && step.OnError == PolicyContinue {
			return fmt.Errorf("skill %q: step %q is critical but configured to continue on error", def.ID, step.ID)
		}
		for name, value := range step.Args {
			for _, ref := range StepReferences(value) {
				if !seen[ref] {
					return fmt.Errorf("skill %q: step %q arg %q references step %q which is not an earlier step", def.ID, step.ID, name, ref)
				}
			}
		}
		seen[step.ID] = true
	}
	return nil
}
