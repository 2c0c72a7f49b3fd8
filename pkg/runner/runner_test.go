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

package runner

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/pkg/agent"
	"github.com/atelierlabs/atelier/pkg/session"
	"github.com/atelierlabs/atelier/pkg/validate"
	"github.com/atelierlabs/atelier/pkg/wire"
	"github.com/atelierlabs/atelier/pkg/workflow"
)

// scriptedAgent returns canned outputs, one per invocation; the last
// output repeats when invoked more often than scripted.
type scriptedAgent struct {
	name    string
	outputs []string
	fail    bool
	calls   int
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Invoke(ctx context.Context, inv *agent.Invocation) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		if a.fail {
			yield(nil, errors.New("model unavailable"))
			return
		}
		i := a.calls
		if i >= len(a.outputs) {
			i = len(a.outputs) - 1
		}
		a.calls++
		out := a.outputs[i]

		if !yield(&agent.Event{Author: a.name, Text: "working", Partial: true}, nil) {
			return
		}
		yield(&agent.Event{Author: a.name, Text: out, Final: true}, nil)
	}
}

const cleanOutput = "```jsx src/App.jsx\n" +
	"import React from 'react';\n" +
	"import ReactDOM from 'react-dom';\n" +
	"const App = () => <div className=\"app\" />;\n" +
	"export default App;\n```"

const fixableOutput = "```jsx src/App.jsx\n" +
	"import React from 'react'\n" +
	"import ReactDOM from 'react-dom'\n" +
	"const App = () => <div class=\"app\" />;\n" +
	"export default App;\n```"

// Extra closing braces have no textual fix; this stays blocking forever.
const unfixableOutput = "```jsx src/App.jsx\n" +
	"import React from 'react';\n" +
	"import ReactDOM from 'react-dom';\n" +
	"const App = () => null;}}\n```"

func newTestRunner(t *testing.T, planner, generator agent.Agent) (*Runner, session.Service) {
	t.Helper()
	svc := session.InMemoryService()
	r, err := New(Config{
		SessionService: svc,
		Planner:        planner,
		Generator:      generator,
		Pipeline:       validate.NewPipeline(),
	})
	require.NoError(t, err)
	return r, svc
}

func collectEvents(t *testing.T, r *Runner, req *Request) ([]wire.Event, error) {
	t.Helper()
	ctx := context.Background()
	run, err := r.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	var events []wire.Event
	for ev, yieldErr := range run.Events(ctx, req) {
		if yieldErr != nil {
			return events, yieldErr
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventTypes(events []wire.Event) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType())
	}
	return types
}

// phaseEntries returns the phases of agent_event frames that mark phase
// entry (no data payload).
func phaseEntries(events []wire.Event) []string {
	var phases []string
	for _, ev := range events {
		if ae, ok := ev.(wire.AgentEvent); ok && ae.Data == nil {
			phases = append(phases, ae.Phase)
		}
	}
	return phases
}

func terminalCount(events []wire.Event) int {
	n := 0
	for _, ev := range events {
		if t := ev.EventType(); t == "complete" || t == "error" {
			n++
		}
	}
	return n
}

func TestCleanRunCompletes(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"use one App component"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)

	events, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build an app"})
	require.NoError(t, err)

	types := eventTypes(events)
	assert.Equal(t, "session_created", types[0])
	assert.Equal(t, "complete", types[len(types)-1])
	assert.Equal(t, 1, terminalCount(events))

	assert.Equal(t, []string{"planning", "generating", "reviewing"}, phaseEntries(events))
	assert.Contains(t, types, "file_start")
	assert.Contains(t, types, "content")
	assert.Contains(t, types, "file_end")

	complete := events[len(events)-1].(wire.Complete)
	assert.Equal(t, 1, complete.Metadata.TotalFiles)
	require.NotEmpty(t, complete.SessionID)

	got, err := svc.Get(context.Background(), &session.GetRequest{UserID: "u1", SessionID: complete.SessionID})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, got.Session.Phase())
	assert.Equal(t, 0, got.Session.State()[workflow.StateKeyIterationCount])
	assert.Equal(t, 1, generator.calls)
}

func TestFixableIssuesCompleteAfterOneIteration(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{fixableOutput}}
	r, svc := newTestRunner(t, planner, generator)

	events, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build an app"})
	require.NoError(t, err)

	assert.Equal(t, "complete", events[len(events)-1].EventType())
	assert.Equal(t, 1, terminalCount(events))

	// One failed review sends the run back through generating; the
	// auto-fixed artifact stands so the generator is not re-invoked.
	assert.Equal(t, []string{"planning", "generating", "reviewing", "generating", "reviewing"},
		phaseEntries(events))
	assert.Equal(t, 1, generator.calls)

	complete := events[len(events)-1].(wire.Complete)
	got, err := svc.Get(context.Background(), &session.GetRequest{UserID: "u1", SessionID: complete.SessionID})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, got.Session.Phase())
	assert.Equal(t, 1, got.Session.State()[workflow.StateKeyIterationCount])

	require.Len(t, got.Session.Iterations(), 1)
	record := got.Session.Iterations()[0]
	assert.Equal(t, 1, record.Attempt)
	assert.Greater(t, record.FixedCount, 0)

	// The delivered artifact is the fixed one.
	artifact := got.Session.State()[workflow.StateKeyArtifact].(*workflow.Artifact)
	assert.NotContains(t, artifact.Files[0].Content, "class=")
}

func TestUnfixableIssuesFailAfterBudget(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{unfixableOutput}}
	r, svc := newTestRunner(t, planner, generator)

	events, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build an app"})
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, "error", last.EventType())
	assert.Equal(t, 1, terminalCount(events))
	assert.Contains(t, last.(wire.Error).Message, "unresolved issue")

	// Three reviews, each re-invoking the generator on blocking feedback.
	assert.Equal(t, 3, generator.calls)

	created := events[0].(wire.SessionCreated)
	got, err := svc.Get(context.Background(), &session.GetRequest{UserID: "u1", SessionID: created.SessionID})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseFailed, got.Session.Phase())
	assert.Equal(t, 3, got.Session.State()[workflow.StateKeyIterationCount])
	assert.Len(t, got.Session.Iterations(), 3)
}

func TestPlannerFailureEmitsTerminalError(t *testing.T) {
	planner := &scriptedAgent{name: "planner", fail: true}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)

	events, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build"})
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, "error", last.EventType())
	assert.Equal(t, 1, terminalCount(events))
	assert.Equal(t, 0, generator.calls)

	created := events[0].(wire.SessionCreated)
	got, err := svc.Get(context.Background(), &session.GetRequest{UserID: "u1", SessionID: created.SessionID})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseFailed, got.Session.Phase())
}

func TestGeneratorWithoutFilesFails(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{"sorry, no code today"}}
	r, _ := newTestRunner(t, planner, generator)

	events, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build"})
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, "error", last.EventType())
	assert.Contains(t, last.(wire.Error).Message, "no parseable files")
}

func TestSessionBusyFailsFast(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)
	ctx := context.Background()

	created, err := svc.Create(ctx, &session.CreateRequest{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	req := &Request{UserID: "u1", SessionID: created.Session.ID(), Prompt: "build"}
	first, err := r.Start(ctx, req)
	require.NoError(t, err)
	defer first.Abort()

	_, err = r.Start(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestAbortReleasesTheSession(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)
	ctx := context.Background()

	created, err := svc.Create(ctx, &session.CreateRequest{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	req := &Request{UserID: "u1", SessionID: created.Session.ID(), Prompt: "build"}

	first, err := r.Start(ctx, req)
	require.NoError(t, err)
	first.Abort()

	second, err := r.Start(ctx, req)
	require.NoError(t, err)
	second.Abort()
}

func TestUnknownSessionIDFailsFast(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, _ := newTestRunner(t, planner, generator)

	_, err := r.Start(context.Background(), &Request{UserID: "u1", SessionID: "never-created", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestExistingSessionEmitsNoSessionCreated(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)
	ctx := context.Background()

	created, err := svc.Create(ctx, &session.CreateRequest{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	events, err := collectEvents(t, r, &Request{UserID: "u1", SessionID: created.Session.ID(), Prompt: "build"})
	require.NoError(t, err)
	assert.NotContains(t, eventTypes(events), "session_created")
	assert.Equal(t, "complete", events[len(events)-1].EventType())
}

func TestRerunOverwritesPriorState(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{
		unfixableOutput, unfixableOutput, unfixableOutput, cleanOutput,
	}}
	r, svc := newTestRunner(t, planner, generator)
	ctx := context.Background()

	created, err := svc.Create(ctx, &session.CreateRequest{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	req := &Request{UserID: "u1", SessionID: created.Session.ID(), Prompt: "build"}

	// First run exhausts the budget on the unfixable output.
	events, err := collectEvents(t, r, req)
	require.NoError(t, err)
	require.Equal(t, "error", events[len(events)-1].EventType())

	// The generator's later outputs are clean; rerun must start from a
	// zeroed iteration counter and finish.
	events, err = collectEvents(t, r, req)
	require.NoError(t, err)
	require.Equal(t, "complete", events[len(events)-1].EventType())

	got, err := svc.Get(ctx, &session.GetRequest{UserID: "u1", SessionID: created.Session.ID()})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, got.Session.Phase())
	assert.Equal(t, 0, got.Session.State()[workflow.StateKeyIterationCount])
	assert.Empty(t, got.Session.Iterations())
}

func TestCancellationStopsWithoutFurtherDeltas(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &scriptedAgent{name: "generator", outputs: []string{cleanOutput}}
	r, svc := newTestRunner(t, planner, generator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	created, err := svc.Create(ctx, &session.CreateRequest{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	req := &Request{UserID: "u1", SessionID: created.Session.ID(), Prompt: "build"}

	run, err := r.Start(ctx, req)
	require.NoError(t, err)

	var events []wire.Event
	for ev, yieldErr := range run.Events(ctx, req) {
		require.NoError(t, yieldErr)
		events = append(events, ev)
		if len(events) == 1 {
			cancel()
		}
	}

	// No terminal frame, and the session is not marked failed: the run
	// simply stopped at its next suspension point.
	assert.Equal(t, 0, terminalCount(events))
	got, err := svc.Get(context.Background(), &session.GetRequest{UserID: "u1", SessionID: created.Session.ID()})
	require.NoError(t, err)
	assert.NotEqual(t, workflow.PhaseFailed, got.Session.Phase())
	assert.NotEqual(t, workflow.PhaseComplete, got.Session.Phase())

	// The slot is released once the sequence ends.
	again, err := r.Start(context.Background(), req)
	require.NoError(t, err)
	again.Abort()
}

func TestGeneratorReceivesIssueFeedback(t *testing.T) {
	planner := &scriptedAgent{name: "planner", outputs: []string{"plan"}}
	generator := &feedbackRecorder{output: unfixableOutput}
	r, _ := newTestRunner(t, planner, generator)

	_, err := collectEvents(t, r, &Request{UserID: "u1", Prompt: "build"})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(generator.inputs), 2)
	assert.NotContains(t, generator.inputs[0], "unresolved issues")
	assert.Contains(t, generator.inputs[1], "mismatched_delimiter")
}

// feedbackRecorder captures the exact inputs the runner hands the
// generator across retries.
type feedbackRecorder struct {
	output string
	inputs []string
}

func (a *feedbackRecorder) Name() string { return "generator" }

func (a *feedbackRecorder) Invoke(ctx context.Context, inv *agent.Invocation) iter.Seq2[*agent.Event, error] {
	a.inputs = append(a.inputs, inv.Input)
	return func(yield func(*agent.Event, error) bool) {
		yield(&agent.Event{Author: "generator", Text: a.output, Final: true}, nil)
	}
}
