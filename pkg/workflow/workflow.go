// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workflow defines the data model shared by the generation
// workflow: phases, session state keys and deltas, artifacts, validation
// issues and iteration records.
package workflow

import (
	"errors"
	"fmt"
)

// Phase is one stage of the fixed generation workflow.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseGenerating Phase = "generating"
	PhaseReviewing  Phase = "reviewing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanTransition reports whether the phase machine permits moving from p
// to next. The order is total except for the single backward edge
// reviewing -> generating used by the retry loop.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhasePlanning:
		return next == PhaseGenerating || next == PhaseFailed
	case PhaseGenerating:
		return next == PhaseReviewing || next == PhaseFailed
	case PhaseReviewing:
		return next == PhaseComplete || next == PhaseGenerating || next == PhaseFailed
	default:
		return false
	}
}

// StateKey identifies one slot of session state. The key set is closed:
// deltas referencing any other key are rejected.
type StateKey string

const (
	StateKeyPlan           StateKey = "plan"
	StateKeyArtifact       StateKey = "artifact"
	StateKeyIssues         StateKey = "issues"
	StateKeyIterationCount StateKey = "iteration_count"
	StateKeyDependencies   StateKey = "dependencies"
)

// declaredStateKeys is the full schema of session state.
var declaredStateKeys = map[StateKey]struct{}{
	StateKeyPlan:           {},
	StateKeyArtifact:       {},
	StateKeyIssues:         {},
	StateKeyIterationCount: {},
	StateKeyDependencies:   {},
}

// ErrUndeclaredStateKey is returned when a delta references a key
// outside the declared schema.
var ErrUndeclaredStateKey = errors.New("undeclared state key")

// Delta is a partial update to session state produced by one phase.
// It is applied atomically with last-write-wins semantics per key.
type Delta map[StateKey]any

// Validate rejects deltas that reference undeclared keys.
func (d Delta) Validate() error {
	for key := range d {
		if _, ok := declaredStateKeys[key]; !ok {
			return fmt.Errorf("%w: %q", ErrUndeclaredStateKey, key)
		}
	}
	return nil
}

// FileUnit is one generated file within an artifact.
type FileUnit struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Artifact is the generated output under review: an ordered set of
// files plus the dependency set derived from them.
type Artifact struct {
	Files []FileUnit `json:"files"`

	// Dependencies maps package name to version. Derived by the
	// validation pipeline, not authoritative.
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ErrDuplicatePath is returned when a file path is added twice.
var ErrDuplicatePath = errors.New("duplicate file path in artifact")

// AddFile appends a file, enforcing path uniqueness.
func (a *Artifact) AddFile(f FileUnit) error {
	for _, existing := range a.Files {
		if existing.Path == f.Path {
			return fmt.Errorf("%w: %q", ErrDuplicatePath, f.Path)
		}
	}
	a.Files = append(a.Files, f)
	return nil
}

// File returns the file with the given path, or nil.
func (a *Artifact) File(path string) *FileUnit {
	for i := range a.Files {
		if a.Files[i].Path == path {
			return &a.Files[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Auto-fix operates on a clone so the input
// artifact is never mutated.
func (a *Artifact) Clone() *Artifact {
	clone := &Artifact{Files: make([]FileUnit, len(a.Files))}
	copy(clone.Files, a.Files)
	if a.Dependencies != nil {
		clone.Dependencies = make(map[string]string, len(a.Dependencies))
		for k, v := range a.Dependencies {
			clone.Dependencies[k] = v
		}
	}
	return clone
}

// Severity classifies how serious an issue is. Only error-severity
// issues feed the retry loop.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueClass is the closed catalog of known defect kinds.
type IssueClass string

const (
	// Fixable classes: a deterministic textual transformation exists.
	ClassMismatchedDelimiter IssueClass = "mismatched_delimiter"
	ClassAttributeNaming     IssueClass = "attribute_naming"
	ClassMissingTerminator   IssueClass = "missing_terminator"

	// Unfixable classes: surfaced to the caller, never auto-fixed.
	ClassMissingListKey     IssueClass = "missing_list_key"
	ClassMissingDependency  IssueClass = "missing_dependency_array"
	ClassMissingImport      IssueClass = "missing_import"
	ClassIncompatiblePair   IssueClass = "incompatible_packages"
	ClassBestPractice       IssueClass = "best_practice"
	ClassUnparseableContent IssueClass = "unparseable_content"
)

var fixableClasses = map[IssueClass]struct{}{
	ClassMismatchedDelimiter: {},
	ClassAttributeNaming:     {},
	ClassMissingTerminator:   {},
}

// Fixable reports whether the class is in the auto-fix catalog.
func (c IssueClass) Fixable() bool {
	_, ok := fixableClasses[c]
	return ok
}

// Issue is a classified defect found by a validator.
type Issue struct {
	Severity Severity   `json:"severity"`
	Class    IssueClass `json:"class"`
	Message  string     `json:"message"`
	Path     string     `json:"path,omitempty"`
	Line     int        `json:"line,omitempty"`
}

// Blocking reports whether the issue prevents completion.
func (i Issue) Blocking() bool {
	return i.Severity == SeverityError
}

// BlockingIssues filters issues down to the ones that prevent
// completion.
func BlockingIssues(issues []Issue) []Issue {
	var blocking []Issue
	for _, issue := range issues {
		if issue.Blocking() {
			blocking = append(blocking, issue)
		}
	}
	return blocking
}

// IterationRecord is one entry of the append-only retry history. It
// exists so the iteration budget is enforceable and "why did this fail"
// is answerable after the fact.
type IterationRecord struct {
	Attempt      int `json:"attempt"`
	IssuesBefore int `json:"issues_before"`
	IssuesAfter  int `json:"issues_after"`
	FixedCount   int `json:"fixed_count"`
}
