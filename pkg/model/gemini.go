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
	defaultGeminiHost    = "https://generativelanguage.googleapis.com"
	defaultGeminiTimeout = 120 * time.Second
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Host    string
	Timeout time.Duration
}

// GeminiProvider streams completions from the Gemini generateContent API.
type GeminiProvider struct {
	config     GeminiConfig
	httpClient *http.Client
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiStreamResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGeminiProvider creates a provider for the Gemini API.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Host == "" {
		cfg.Host = defaultGeminiHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultGeminiTimeout
	}

	return &GeminiProvider{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini/" + p.config.Model
}

// Stream implements Provider using streamGenerateContent with SSE framing.
func (p *GeminiProvider) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		body := geminiRequest{}
		if req.System != "" {
			body.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: req.System}},
			}
		}
		for _, msg := range req.Messages {
			role := msg.Role
			if role == "assistant" {
				role = "model"
			}
			body.Contents = append(body.Contents, geminiContent{
				Role:  role,
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
		if req.Temperature != 0 || req.MaxTokens != 0 {
			body.GenerationConfig = &struct {
				Temperature     float64 `json:"temperature,omitempty"`
				MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
			}{
				Temperature:     req.Temperature,
				MaxOutputTokens: req.MaxTokens,
			}
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			yield(nil, fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
			p.config.Host, p.config.Model)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			yield(nil, fmt.Errorf("failed to create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", p.config.APIKey)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("gemini request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, string(payload)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var chunk geminiStreamResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				continue // skip malformed frames
			}
			if chunk.Error != nil {
				yield(nil, fmt.Errorf("gemini stream error: %s", chunk.Error.Message))
				return
			}

			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					if !yield(&Chunk{Text: part.Text}, nil) {
						return
					}
				}
				if cand.FinishReason != "" {
					yield(&Chunk{Done: true}, nil)
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("gemini stream read failed: %w", err))
			return
		}

		yield(&Chunk{Done: true}, nil)
	}
}

var _ Provider = (*GeminiProvider)(nil)
