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

package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicTimeout = 120 * time.Second
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	Host    string
	Timeout time.Duration
}

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	config     AnthropicConfig
	httpClient *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultAnthropicTimeout
	}

	return &AnthropicProvider{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic/" + p.config.Model
}

// Stream implements Provider using the streaming Messages endpoint.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		body := anthropicRequest{
			Model:       p.config.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
			System:      req.System,
		}
		if body.MaxTokens == 0 {
			body.MaxTokens = 4096
		}
		for _, msg := range req.Messages {
			body.Messages = append(body.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			yield(nil, fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
		if err != nil {
			yield(nil, fmt.Errorf("failed to create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.config.APIKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("anthropic request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, string(payload)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue // skip malformed frames
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					if !yield(&Chunk{Text: event.Delta.Text}, nil) {
						return
					}
				}
			case "message_stop":
				yield(&Chunk{Done: true}, nil)
				return
			case "error":
				msg := "unknown error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				yield(nil, fmt.Errorf("anthropic stream error: %s", msg))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("anthropic stream read failed: %w", err))
			return
		}

		// Stream ended without a message_stop frame.
		yield(&Chunk{Done: true}, nil)
	}
}

var _ Provider = (*AnthropicProvider)(nil)
