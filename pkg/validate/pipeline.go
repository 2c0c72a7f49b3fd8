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

// Package validate runs a fixed battery of validators over a generated
// artifact and applies deterministic auto-fixes for the known fixable
// issue classes.
package validate

import (
	"log/slog"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

// Validator flags issues in an artifact. Validators are deterministic
// (same artifact in, same issues out) and never touch file contents;
// the dependency validator additionally records the derived dependency
// set on the artifact.
type Validator interface {
	// Name identifies the validator in logs.
	Name() string

	// Validate returns the issues found, in a deterministic order.
	Validate(artifact *workflow.Artifact) []workflow.Issue
}

// Pipeline runs an ordered, fixed list of validators and applies the
// auto-fix catalog. The validator order is stable across runs so
// identical input yields identical issue lists.
type Pipeline struct {
	validators []Validator
}

// NewPipeline creates the default pipeline: syntax well-formedness,
// structural best practices, then dependency extraction.
func NewPipeline() *Pipeline {
	return &Pipeline{
		validators: []Validator{
			&syntaxValidator{},
			&bestPracticesValidator{},
			&dependencyValidator{},
		},
	}
}

// Validate runs every validator in order and concatenates their issues.
// The dependency validator also derives artifact.Dependencies as a side
// product of its scan.
func (p *Pipeline) Validate(artifact *workflow.Artifact) []workflow.Issue {
	var issues []workflow.Issue
	for _, v := range p.validators {
		found := v.Validate(artifact)
		slog.Debug("Validator finished", "validator", v.Name(), "issues", len(found))
		issues = append(issues, found...)
	}
	return issues
}

// AutoFix applies deterministic textual fixes for every issue whose
// class is in the fixable catalog and returns the fixed artifact plus
// the issues that remain. The file set is never changed, the input
// artifact is never mutated, and applying AutoFix to its own output
// with an empty issue list changes nothing.
func (p *Pipeline) AutoFix(artifact *workflow.Artifact, issues []workflow.Issue) (*workflow.Artifact, []workflow.Issue) {
	if len(issues) == 0 {
		return artifact, issues
	}

	fixed := artifact.Clone()
	remaining := make([]workflow.Issue, 0, len(issues))

	for _, issue := range issues {
		if !issue.Class.Fixable() {
			remaining = append(remaining, issue)
			continue
		}

		file := fixed.File(issue.Path)
		if file == nil {
			remaining = append(remaining, issue)
			continue
		}

		if applyFix(file, issue.Class) {
			slog.Debug("Auto-fix applied", "class", issue.Class, "path", issue.Path)
			continue
		}
		remaining = append(remaining, issue)
	}

	if len(remaining) == 0 {
		remaining = nil
	}
	return fixed, remaining
}
