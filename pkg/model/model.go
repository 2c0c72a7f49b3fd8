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

// Package model abstracts streaming LLM providers behind a single
// interface so agents are never coupled to one vendor's calling
// convention.
package model

import (
	"context"
	"iter"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a provider-neutral generation request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed fragment of a model response.
type Chunk struct {
	// Text is the incremental text delta.
	Text string

	// Done marks the end of the response.
	Done bool
}

// Provider streams completions for a request. Implementations must
// terminate the sequence with a Done chunk or yield an error, and must
// honor context cancellation between yields.
type Provider interface {
	// Name identifies the provider/model pair in logs.
	Name() string

	// Stream generates a completion, yielding chunks as they arrive.
	Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]
}
