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

// Package agent defines the agent capability interface consumed by the
// workflow orchestrator.
//
// An Agent is anything that consumes an invocation and produces a
// stream of raw output events. The orchestrator is polymorphic over the
// concrete backing implementation: LLM-backed agents live here, test
// doubles live next to the tests that use them.
package agent

import (
	"context"
	"iter"
)

// Event is one unit of raw agent output. The stream is heterogeneous:
// partial text deltas while the backing model streams, then a final
// event carrying the full accumulated output.
type Event struct {
	// Author names the agent that produced the event.
	Author string

	// Text is the textual payload: a delta when Partial, the full
	// accumulated output when Final.
	Text string

	// Partial marks an intermediate streaming chunk.
	Partial bool

	// Final marks the last event of the stream.
	Final bool
}

// Invocation is the context handed to one agent invocation.
type Invocation struct {
	UserID    string
	SessionID string

	// Input is the composed prompt for this invocation: the user's
	// request plus whatever prior state the caller chose to include.
	Input string
}

// Agent consumes an invocation and yields a stream of raw events. The
// stream must eventually terminate (a Final event) or yield an error.
// Implementations must honor context cancellation between yields.
type Agent interface {
	// Name identifies the agent in logs and event attribution.
	Name() string

	// Invoke runs the agent. The returned sequence is lazy: no work
	// happens until it is consumed, and the consumer may stop early.
	Invoke(ctx context.Context, inv *Invocation) iter.Seq2[*Event, error]
}
