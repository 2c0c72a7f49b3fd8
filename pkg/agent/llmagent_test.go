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
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierlabs/atelier/pkg/model"
)

// chunkedProvider yields fixed text chunks, then Done.
type chunkedProvider struct {
	chunks  []string
	err     error
	lastReq *model.Request
}

func (p *chunkedProvider) Name() string { return "fake" }

func (p *chunkedProvider) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	p.lastReq = req
	return func(yield func(*model.Chunk, error) bool) {
		if p.err != nil {
			yield(nil, p.err)
			return
		}
		for _, text := range p.chunks {
			if !yield(&model.Chunk{Text: text}, nil) {
				return
			}
		}
		yield(&model.Chunk{Done: true}, nil)
	}
}

func TestNewLLMAgentValidation(t *testing.T) {
	_, err := NewLLMAgent(LLMConfig{Provider: &chunkedProvider{}})
	assert.Error(t, err, "name is required")

	_, err = NewLLMAgent(LLMConfig{Name: "planner"})
	assert.Error(t, err, "provider is required")
}

func TestLLMAgentStreamsPartialsAndFinal(t *testing.T) {
	provider := &chunkedProvider{chunks: []string{"a ", "plan ", "emerges"}}
	ag, err := NewLLMAgent(LLMConfig{
		Name:        "planner",
		Instruction: "make plans",
		Provider:    provider,
	})
	require.NoError(t, err)

	var partials []string
	var final string
	for ev, err := range ag.Invoke(context.Background(), &Invocation{Input: "plan this"}) {
		require.NoError(t, err)
		assert.Equal(t, "planner", ev.Author)
		if ev.Final {
			final = ev.Text
			continue
		}
		partials = append(partials, ev.Text)
	}

	assert.Equal(t, []string{"a ", "plan ", "emerges"}, partials)
	assert.Equal(t, "a plan emerges", final)

	require.NotNil(t, provider.lastReq)
	assert.Equal(t, "make plans", provider.lastReq.System)
	require.Len(t, provider.lastReq.Messages, 1)
	assert.Equal(t, "plan this", provider.lastReq.Messages[0].Content)
}

func TestLLMAgentPropagatesProviderError(t *testing.T) {
	provider := &chunkedProvider{err: errors.New("rate limited")}
	ag, err := NewLLMAgent(LLMConfig{Name: "planner", Provider: provider})
	require.NoError(t, err)

	var sawErr error
	for _, err := range ag.Invoke(context.Background(), &Invocation{Input: "x"}) {
		if err != nil {
			sawErr = err
			break
		}
	}
	require.Error(t, sawErr)
	assert.Contains(t, sawErr.Error(), "rate limited")
	assert.Contains(t, sawErr.Error(), "planner")
}
