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

// Package wire defines the external event vocabulary of the streaming
// API and the translator that normalizes raw agent output into it.
//
// Every frame sent to a caller is exactly one of the event types below,
// serialized as a JSON object with a "type" discriminator.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one typed frame of the wire protocol.
type Event interface {
	// EventType returns the wire discriminator for the event.
	EventType() string
}

// SessionCreated announces a newly allocated session.
type SessionCreated struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

func (SessionCreated) EventType() string { return "session_created" }

// AgentEvent reports phase entry or progress.
type AgentEvent struct {
	Phase string         `json:"phase"`
	Data  map[string]any `json:"data,omitempty"`
}

func (AgentEvent) EventType() string { return "agent_event" }

// FileStart opens one file's content stream.
type FileStart struct {
	FilePath string         `json:"file_path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (FileStart) EventType() string { return "file_start" }

// Content is one incremental chunk for the open file.
type Content struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (Content) EventType() string { return "content" }

// FileEnd closes the open file.
type FileEnd struct {
	FilePath string `json:"file_path"`
}

func (FileEnd) EventType() string { return "file_end" }

// CompleteMetadata summarizes a successful run.
type CompleteMetadata struct {
	TotalFiles int    `json:"total_files"`
	Message    string `json:"message"`
}

// Complete is the terminal success event.
type Complete struct {
	SessionID string           `json:"session_id"`
	Metadata  CompleteMetadata `json:"metadata"`
}

func (Complete) EventType() string { return "complete" }

// Error is the terminal failure event (including timeout).
type Error struct {
	Message string `json:"message"`
}

func (Error) EventType() string { return "error" }

// Keepalive is a liveness ping with no semantic state change.
type Keepalive struct {
	Timestamp string `json:"timestamp"`
}

func (Keepalive) EventType() string { return "keepalive" }

// NewKeepalive returns a keepalive event stamped with the current time.
func NewKeepalive(now time.Time) Keepalive {
	return Keepalive{Timestamp: now.UTC().Format(time.RFC3339)}
}

// Marshal serializes an event as a single JSON object carrying the
// "type" discriminator alongside the event's own fields.
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType(), err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s event: %w", e.EventType(), err)
	}
	fields["type"] = e.EventType()

	return json.Marshal(fields)
}
