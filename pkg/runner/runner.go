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

// Package runner drives the generation workflow: the phase state
// machine (planning -> generating -> reviewing -> complete/failed), the
// bounded review/regenerate loop and the per-session run exclusivity.
//
// One run is a single sequential pipeline. Agent invocations and
// validation execute one at a time; independent sessions run fully in
// parallel. All output leaves the runner as normalized wire events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/atelierlabs/atelier/pkg/agent"
	"github.com/atelierlabs/atelier/pkg/observability"
	"github.com/atelierlabs/atelier/pkg/session"
	"github.com/atelierlabs/atelier/pkg/wire"
	"github.com/atelierlabs/atelier/pkg/workflow"
)

const (
	// DefaultMaxIterations bounds the reviewing -> generating retry loop.
	DefaultMaxIterations = 3

	// DefaultChunkSize is the content chunk size for file streaming.
	DefaultChunkSize = 100
)

var (
	// ErrSessionBusy is returned when a run is requested for a session
	// that already has one in flight.
	ErrSessionBusy = errors.New("session busy: a run is already active")

	// ErrAgentInvocation wraps failures of the backing agent service.
	ErrAgentInvocation = errors.New("agent invocation failed")

	// ErrValidationExhausted marks a run that still has blocking issues
	// after the iteration budget is spent.
	ErrValidationExhausted = errors.New("validation issues remain after iteration budget exhausted")
)

// ReviewPipeline validates artifacts and applies deterministic fixes.
// Implemented by validate.Pipeline.
type ReviewPipeline interface {
	Validate(artifact *workflow.Artifact) []workflow.Issue
	AutoFix(artifact *workflow.Artifact, issues []workflow.Issue) (*workflow.Artifact, []workflow.Issue)
}

// Config wires a Runner. SessionService, Planner, Generator and
// Pipeline are required.
type Config struct {
	SessionService session.Service
	Planner        agent.Agent
	Generator      agent.Agent
	Pipeline       ReviewPipeline

	// Locker enforces one run per session. A private locker is created
	// when nil; share one instance across runners serving the same
	// session store.
	Locker *Locker

	// MaxIterations bounds the retry loop (default 3).
	MaxIterations int

	// ChunkSize is the file content chunk size (default 100 bytes).
	ChunkSize int

	// Metrics records review loop counters when non-nil.
	Metrics *observability.Metrics
}

// Runner executes generation runs.
type Runner struct {
	config Config
}

// New creates a runner from config.
func New(config Config) (*Runner, error) {
	if config.SessionService == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if config.Planner == nil || config.Generator == nil {
		return nil, fmt.Errorf("planner and generator agents are required")
	}
	if config.Pipeline == nil {
		return nil, fmt.Errorf("review pipeline is required")
	}
	if config.Locker == nil {
		config.Locker = NewLocker()
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Runner{config: config}, nil
}

// Request describes one generation run.
type Request struct {
	UserID    string
	SessionID string // optional: empty allocates a fresh session
	Prompt    string
	Framework string // optional, default "react"
}

// Run is an admitted run holding the session's exclusivity claim until
// its event sequence finishes (or Abort is called without consuming it).
type Run struct {
	runner   *Runner
	sess     session.Session
	created  bool
	released bool
}

// Start resolves the session and claims its run slot. It fails fast
// with session.ErrSessionNotFound or ErrSessionBusy before any event is
// produced.
func (r *Runner) Start(ctx context.Context, req *Request) (*Run, error) {
	sess, created, err := session.GetOrCreate(ctx, r.config.SessionService, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	if !r.config.Locker.TryAcquire(sess.ID()) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID())
	}

	return &Run{runner: r, sess: sess, created: created}, nil
}

// Abort releases the run slot without consuming the event sequence.
func (run *Run) Abort() {
	run.release()
}

func (run *Run) release() {
	if !run.released {
		run.released = true
		run.runner.config.Locker.Release(run.sess.ID())
	}
}

// SessionID returns the id of the session this run operates on.
func (run *Run) SessionID() string {
	return run.sess.ID()
}

// Events executes the run lazily: no agent is invoked until the
// sequence is consumed, and abandoning consumption stops the run at the
// next suspension point without committing further deltas.
//
// The sequence ends with exactly one terminal event: complete or error.
// A yielded Go error signals an infrastructure failure (session store);
// the transport layer converts it into the terminal error frame.
func (run *Run) Events(ctx context.Context, req *Request) iter.Seq2[wire.Event, error] {
	return func(yield func(wire.Event, error) bool) {
		defer run.release()
		run.runner.execute(ctx, req, run, yield)
	}
}

// execute walks the phase machine. Every committed delta is persisted
// before the event describing it is yielded, so observable state is
// never ahead of the event stream.
func (r *Runner) execute(ctx context.Context, req *Request, run *Run, yield func(wire.Event, error) bool) {
	svc := r.config.SessionService
	translator := wire.NewTranslator()
	sess := run.sess
	log := slog.With("session", sess.ID(), "user", req.UserID)

	if run.created {
		if !yield(wire.SessionCreated{SessionID: sess.ID(), Message: "Session initialized"}, nil) {
			return
		}
	}

	// Fresh run: zero the iteration counter and drop prior history.
	// The prior artifact is overwritten, not merged.
	if _, err := svc.ApplyDelta(ctx, &session.ApplyDeltaRequest{
		UserID:          req.UserID,
		SessionID:       sess.ID(),
		Delta:           workflow.Delta{workflow.StateKeyIterationCount: 0},
		Phase:           workflow.PhasePlanning,
		ResetIterations: true,
	}); err != nil {
		yield(nil, err)
		return
	}

	// ---- Planning ----
	if !yield(wire.AgentEvent{Phase: string(workflow.PhasePlanning)}, nil) {
		return
	}

	plan, status := r.invoke(ctx, r.config.Planner, workflow.PhasePlanning, planningInput(req), translator, yield)
	if status != invokeOK {
		if status == invokeFailed {
			r.fail(ctx, req, sess, fmt.Errorf("%w: %s", ErrAgentInvocation, r.config.Planner.Name()), yield)
		}
		return
	}

	if _, err := svc.ApplyDelta(ctx, &session.ApplyDeltaRequest{
		UserID:    req.UserID,
		SessionID: sess.ID(),
		Delta:     workflow.Delta{workflow.StateKeyPlan: plan},
		Phase:     workflow.PhaseGenerating,
	}); err != nil {
		yield(nil, err)
		return
	}

	// ---- Generating / Reviewing loop ----
	var (
		artifact  *workflow.Artifact
		remaining []workflow.Issue
		iteration int
	)

	for {
		if ctx.Err() != nil {
			log.Debug("Run canceled before generation")
			return
		}
		if !yield(wire.AgentEvent{Phase: string(workflow.PhaseGenerating)}, nil) {
			return
		}

		// When auto-fix resolved every blocking issue the fixed
		// artifact stands; the generator is only re-invoked while
		// blocking feedback remains.
		if artifact == nil || len(workflow.BlockingIssues(remaining)) > 0 {
			raw, status := r.invoke(ctx, r.config.Generator, workflow.PhaseGenerating,
				generationInput(req, plan, remaining), translator, yield)
			if status != invokeOK {
				if status == invokeFailed {
					r.fail(ctx, req, sess, fmt.Errorf("%w: %s", ErrAgentInvocation, r.config.Generator.Name()), yield)
				}
				return
			}

			files := wire.ParseFiles(raw)
			if len(files) == 0 {
				r.fail(ctx, req, sess, fmt.Errorf("%w: generator produced no parseable files", ErrAgentInvocation), yield)
				return
			}
			artifact = &workflow.Artifact{}
			for _, f := range files {
				if err := artifact.AddFile(f); err != nil {
					log.Warn("Skipping duplicate file from generator", "path", f.Path)
				}
			}
		}

		if _, err := svc.ApplyDelta(ctx, &session.ApplyDeltaRequest{
			UserID:    req.UserID,
			SessionID: sess.ID(),
			Delta:     workflow.Delta{workflow.StateKeyArtifact: artifact},
			Phase:     workflow.PhaseReviewing,
		}); err != nil {
			yield(nil, err)
			return
		}

		// ---- Reviewing ----
		if ctx.Err() != nil {
			log.Debug("Run canceled before review")
			return
		}
		if !yield(wire.AgentEvent{Phase: string(workflow.PhaseReviewing)}, nil) {
			return
		}

		issues := r.config.Pipeline.Validate(artifact)
		blocking := workflow.BlockingIssues(issues)
		if r.config.Metrics != nil {
			for _, issue := range issues {
				r.config.Metrics.IssuesTotal.WithLabelValues(string(issue.Severity)).Inc()
			}
		}

		if len(blocking) == 0 {
			if _, err := svc.ApplyDelta(ctx, &session.ApplyDeltaRequest{
				UserID:    req.UserID,
				SessionID: sess.ID(),
				Delta: workflow.Delta{
					workflow.StateKeyArtifact:     artifact,
					workflow.StateKeyIssues:       issues,
					workflow.StateKeyDependencies: artifact.Dependencies,
				},
				Phase: workflow.PhaseComplete,
			}); err != nil {
				yield(nil, err)
				return
			}

			for _, ev := range translator.FileEvents(artifact.Files, r.config.ChunkSize) {
				if !yield(ev, nil) {
					return
				}
			}
			yield(wire.Complete{
				SessionID: sess.ID(),
				Metadata: wire.CompleteMetadata{
					TotalFiles: len(artifact.Files),
					Message:    fmt.Sprintf("Generated %d file(s) successfully", len(artifact.Files)),
				},
			}, nil)
			return
		}

		fixed, left := r.config.Pipeline.AutoFix(artifact, issues)
		iteration++
		if r.config.Metrics != nil {
			r.config.Metrics.IterationsTotal.Inc()
		}
		record := workflow.IterationRecord{
			Attempt:      iteration,
			IssuesBefore: len(issues),
			IssuesAfter:  len(left),
			FixedCount:   len(issues) - len(left),
		}
		log.Info("Review iteration finished",
			"attempt", record.Attempt,
			"issues_before", record.IssuesBefore,
			"issues_after", record.IssuesAfter,
			"fixed", record.FixedCount)

		if _, err := svc.ApplyDelta(ctx, &session.ApplyDeltaRequest{
			UserID:    req.UserID,
			SessionID: sess.ID(),
			Delta: workflow.Delta{
				workflow.StateKeyArtifact:       fixed,
				workflow.StateKeyIssues:         left,
				workflow.StateKeyIterationCount: iteration,
				workflow.StateKeyDependencies:   fixed.Dependencies,
			},
			Phase:      workflow.PhaseGenerating,
			Iterations: []workflow.IterationRecord{record},
		}); err != nil {
			yield(nil, err)
			return
		}

		artifact, remaining = fixed, left

		if iteration >= r.config.MaxIterations && len(workflow.BlockingIssues(remaining)) > 0 {
			r.fail(ctx, req, sess,
				fmt.Errorf("%w: %s", ErrValidationExhausted, summarizeIssues(remaining)), yield)
			return
		}
	}
}

// invokeStatus distinguishes agent failure (surfaced as a terminal
// error event) from cancellation or consumer stop (no further events,
// no further deltas).
type invokeStatus int

const (
	invokeOK invokeStatus = iota
	invokeFailed
	invokeStopped
)

// invoke streams one agent, translating its raw events, and returns the
// final accumulated output.
func (r *Runner) invoke(ctx context.Context, ag agent.Agent, phase workflow.Phase, input string,
	translator *wire.Translator, yield func(wire.Event, error) bool) (string, invokeStatus) {

	if ctx.Err() != nil {
		return "", invokeStopped
	}

	inv := &agent.Invocation{Input: input}
	var final string

	for ev, err := range ag.Invoke(ctx, inv) {
		if err != nil {
			if ctx.Err() != nil {
				return "", invokeStopped
			}
			slog.Warn("Agent invocation failed", "agent", ag.Name(), "phase", phase, "error", err)
			return "", invokeFailed
		}
		if ev.Final {
			final = ev.Text
			break
		}
		if translated := translator.Translate(phase, ev); translated != nil {
			if !yield(*translated, nil) {
				return "", invokeStopped
			}
		}
	}

	return final, invokeOK
}

// fail persists the failed phase, then emits the terminal error event.
func (r *Runner) fail(ctx context.Context, req *Request, sess session.Session, cause error, yield func(wire.Event, error) bool) {
	if _, err := r.config.SessionService.ApplyDelta(ctx, &session.ApplyDeltaRequest{
		UserID:    req.UserID,
		SessionID: sess.ID(),
		Delta:     workflow.Delta{},
		Phase:     workflow.PhaseFailed,
	}); err != nil {
		slog.Warn("Failed to persist failed phase", "session", sess.ID(), "error", err)
	}
	yield(wire.Error{Message: cause.Error()}, nil)
}

func planningInput(req *Request) string {
	framework := req.Framework
	if framework == "" {
		framework = "react"
	}
	return fmt.Sprintf("Target framework: %s\n\nUser request:\n%s", framework, req.Prompt)
}

func generationInput(req *Request, plan string, feedback []workflow.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\nTechnical plan:\n%s\n", req.Prompt, plan)

	blocking := workflow.BlockingIssues(feedback)
	if len(blocking) > 0 {
		b.WriteString("\nThe previous attempt had unresolved issues. Fix all of them:\n")
		for _, issue := range blocking {
			if issue.Path != "" {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", issue.Class, issue.Path, issue.Message)
			} else {
				fmt.Fprintf(&b, "- [%s] %s\n", issue.Class, issue.Message)
			}
		}
	}
	return b.String()
}

func summarizeIssues(issues []workflow.Issue) string {
	blocking := workflow.BlockingIssues(issues)
	msgs := make([]string, 0, len(blocking))
	for _, issue := range blocking {
		msgs = append(msgs, issue.Message)
	}
	return fmt.Sprintf("%d unresolved issue(s): %s", len(blocking), strings.Join(msgs, "; "))
}
