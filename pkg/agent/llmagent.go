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

package agent

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/atelierlabs/atelier/pkg/model"
)

// LLMConfig configures an LLM-backed agent.
type LLMConfig struct {
	// Name identifies the agent in logs and event attribution.
	Name string

	// Instruction is the system prompt binding the model to its role.
	Instruction string

	// Provider is the backing model.
	Provider model.Provider

	// MaxTokens and Temperature are passed through to the provider.
	MaxTokens   int
	Temperature float64
}

// LLMAgent binds a model provider and an instruction into an Agent.
// It streams model deltas as partial events and finishes with a final
// event carrying the accumulated output.
type LLMAgent struct {
	config LLMConfig
}

// NewLLMAgent creates an LLM-backed agent.
func NewLLMAgent(config LLMConfig) (*LLMAgent, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	return &LLMAgent{config: config}, nil
}

func (a *LLMAgent) Name() string {
	return a.config.Name
}

// Invoke implements Agent.
func (a *LLMAgent) Invoke(ctx context.Context, inv *Invocation) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		req := &model.Request{
			System:      a.config.Instruction,
			Messages:    []model.Message{{Role: "user", Content: inv.Input}},
			MaxTokens:   a.config.MaxTokens,
			Temperature: a.config.Temperature,
		}

		var full strings.Builder
		for chunk, err := range a.config.Provider.Stream(ctx, req) {
			if err != nil {
				yield(nil, fmt.Errorf("agent %s: %w", a.config.Name, err))
				return
			}
			if chunk.Done {
				break
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			full.WriteString(chunk.Text)
			if !yield(&Event{Author: a.config.Name, Text: chunk.Text, Partial: true}, nil) {
				return
			}
		}

		yield(&Event{Author: a.config.Name, Text: full.String(), Final: true}, nil)
	}
}

var _ Agent = (*LLMAgent)(nil)
