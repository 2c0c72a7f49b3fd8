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

package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/atelierlabs/atelier/pkg/observability"
	"github.com/atelierlabs/atelier/pkg/wire"
)

const (
	// DefaultKeepaliveInterval is the idle gap before a keepalive frame
	// is injected into an open stream.
	DefaultKeepaliveInterval = 10 * time.Second

	// DefaultRunBudget is the wall-clock ceiling for one run.
	DefaultRunBudget = 240 * time.Second
)

// Transport delivers one wire event to the connected client.
type Transport interface {
	Send(e wire.Event) error
}

// SSETransport writes events as Server-Sent Events frames, flushing
// after every frame so the client observes incremental progress.
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSETransport prepares the response for event streaming and returns
// the transport. Fails when the ResponseWriter cannot flush.
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSETransport{w: w, flusher: flusher}, nil
}

// Send serializes the event and flushes it as one SSE data frame.
func (t *SSETransport) Send(e wire.Event) error {
	data, err := wire.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event frame: %w", err)
	}
	t.flusher.Flush()
	return nil
}

// StreamWriter pumps a run's event sequence to a transport while
// enforcing the stream discipline: a keepalive frame whenever the run
// is silent for the keepalive interval, a hard wall-clock budget on the
// whole run, and exactly one terminal frame per stream.
type StreamWriter struct {
	transport Transport
	keepalive time.Duration
	budget    time.Duration
	metrics   *observability.Metrics
}

// NewStreamWriter creates a stream writer. Zero durations take the
// defaults; metrics may be nil.
func NewStreamWriter(transport Transport, keepalive, budget time.Duration, metrics *observability.Metrics) *StreamWriter {
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	if budget <= 0 {
		budget = DefaultRunBudget
	}
	return &StreamWriter{
		transport: transport,
		keepalive: keepalive,
		budget:    budget,
		metrics:   metrics,
	}
}

type streamItem struct {
	event wire.Event
	err   error
}

// Pump consumes the event sequence until it ends, the budget expires or
// the client disconnects. It returns the terminal outcome: "complete",
// "failed", "timeout" or "canceled".
//
// The producer receives the budget-bounded context, so budget expiry
// and client disconnect abort in-flight agent calls directly. The
// producing iterator runs in its own goroutine so keepalives fire on
// schedule even while an agent call blocks.
func (sw *StreamWriter) Pump(ctx context.Context, events func(context.Context) iter.Seq2[wire.Event, error]) string {
	ctx, cancel := context.WithTimeout(ctx, sw.budget)
	defer cancel()

	seq := events(ctx)
	ch := make(chan streamItem)
	go func() {
		defer close(ch)
		for ev, err := range seq {
			select {
			case ch <- streamItem{event: ev, err: err}:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(sw.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				sw.send(wire.Error{Message: fmt.Sprintf("Generation timeout after %s", sw.budget)})
				return "timeout"
			}
			// Client gone; nothing left to write to.
			return "canceled"

		case <-ticker.C:
			if err := sw.send(wire.NewKeepalive(time.Now())); err != nil {
				cancel()
				return "canceled"
			}
			if sw.metrics != nil {
				sw.metrics.RecordKeepalive()
			}

		case item, ok := <-ch:
			if !ok {
				// The runner always yields a terminal frame last, which
				// returns below; reaching the bare close means the run
				// stopped without one (canceled mid-flight).
				return "canceled"
			}
			if item.err != nil {
				slog.Error("Run failed with infrastructure error", "error", item.err)
				sw.send(wire.Error{Message: "Internal error: " + item.err.Error()})
				return "failed"
			}
			if err := sw.send(item.event); err != nil {
				slog.Debug("Client disconnected mid-stream", "error", err)
				cancel()
				return "canceled"
			}
			ticker.Reset(sw.keepalive)

			// A terminal frame is always the runner's last event; stop
			// here so nothing can follow it on the stream.
			switch item.event.EventType() {
			case "complete":
				return "complete"
			case "error":
				return "failed"
			}
		}
	}
}

func (sw *StreamWriter) send(e wire.Event) error {
	if err := sw.transport.Send(e); err != nil {
		return err
	}
	if sw.metrics != nil {
		sw.metrics.RecordEvent(e.EventType())
	}
	return nil
}
