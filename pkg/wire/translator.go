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

package wire

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/atelierlabs/atelier/pkg/agent"
	"github.com/atelierlabs/atelier/pkg/workflow"
)

// ErrProtocolViolation is returned when file events would be emitted
// out of order: content outside a file_start/file_end pair, or a second
// file opened while another is still streaming. Violations are
// recoverable: callers drop the malformed fragment and continue.
var ErrProtocolViolation = errors.New("protocol violation")

// Translator normalizes raw agent output into the wire vocabulary and
// enforces the file streaming discipline: content events for a path are
// only valid between that path's file_start and file_end, files never
// interleave, and the concatenated content chunks reconstruct each
// file byte for byte.
//
// A Translator is per-run and not safe for concurrent use; a run is a
// single sequential pipeline so no locking is needed.
type Translator struct {
	open      string
	buf       strings.Builder
	completed map[string]string
}

// NewTranslator creates a translator for one run.
func NewTranslator() *Translator {
	return &Translator{completed: make(map[string]string)}
}

// Translate converts one raw agent event into an agent_event frame.
// Events with no textual payload translate to nil (skipped).
func (t *Translator) Translate(phase workflow.Phase, ev *agent.Event) *AgentEvent {
	if ev == nil || ev.Text == "" {
		return nil
	}
	return &AgentEvent{
		Phase: string(phase),
		Data: map[string]any{
			"author":  ev.Author,
			"content": ev.Text,
			"final":   ev.Final,
		},
	}
}

// BeginFile opens a path for content streaming. Opening a second path
// while one is streaming is a protocol violation.
func (t *Translator) BeginFile(path string, metadata map[string]any) (Event, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrProtocolViolation)
	}
	if t.open != "" {
		return nil, fmt.Errorf("%w: file_start for %q while %q is open", ErrProtocolViolation, path, t.open)
	}
	t.open = path
	t.buf.Reset()
	return FileStart{FilePath: path, Metadata: metadata}, nil
}

// AppendContent adds one chunk to the open file.
func (t *Translator) AppendContent(path, chunk string) (Event, error) {
	if t.open == "" || path != t.open {
		return nil, fmt.Errorf("%w: content for %q outside its file boundaries", ErrProtocolViolation, path)
	}
	t.buf.WriteString(chunk)
	return Content{FilePath: path, Content: chunk}, nil
}

// FinishFile closes the open file and records its accumulated content.
func (t *Translator) FinishFile(path string) (Event, error) {
	if t.open == "" || path != t.open {
		return nil, fmt.Errorf("%w: file_end for %q which is not open", ErrProtocolViolation, path)
	}
	t.completed[path] = t.buf.String()
	t.open = ""
	t.buf.Reset()
	return FileEnd{FilePath: path}, nil
}

// FileContent returns the accumulated content of a completed file.
func (t *Translator) FileContent(path string) (string, bool) {
	content, ok := t.completed[path]
	return content, ok
}

// FileEvents streams an artifact file as file_start, content chunks and
// file_end. Protocol violations are recovered locally: the malformed
// fragment is dropped, logged and the remaining files continue.
func (t *Translator) FileEvents(files []workflow.FileUnit, chunkSize int) []Event {
	if chunkSize <= 0 {
		chunkSize = 100
	}

	var events []Event
	for _, f := range files {
		start, err := t.BeginFile(f.Path, map[string]any{"size": len(f.Content)})
		if err != nil {
			slog.Warn("Dropping malformed file fragment", "path", f.Path, "error", err)
			continue
		}
		events = append(events, start)

		for i := 0; i < len(f.Content); {
			end := chunkEnd(f.Content, i, chunkSize)
			chunk, err := t.AppendContent(f.Path, f.Content[i:end])
			if err != nil {
				slog.Warn("Dropping malformed content chunk", "path", f.Path, "error", err)
				i = end
				continue
			}
			events = append(events, chunk)
			i = end
		}

		finish, err := t.FinishFile(f.Path)
		if err != nil {
			slog.Warn("Dropping malformed file end", "path", f.Path, "error", err)
			continue
		}
		events = append(events, finish)
	}
	return events
}

// chunkEnd returns the end offset of the chunk starting at i. Chunks
// must never split a UTF-8 rune: each content frame is JSON-encoded on
// its own, and encoding a half-rune mangles it into U+FFFD, so the
// client's concatenation would no longer match the file.
func chunkEnd(content string, i, chunkSize int) int {
	end := i + chunkSize
	if end >= len(content) {
		return len(content)
	}
	for end > i && !utf8.RuneStart(content[end]) {
		end--
	}
	if end == i {
		// A single rune wider than the chunk size; emit it whole.
		end = i + chunkSize
		for end < len(content) && !utf8.RuneStart(content[end]) {
			end++
		}
	}
	return end
}

// codeBlockRe matches markdown code blocks with an optional language
// tag and an optional path on the opening line.
var codeBlockRe = regexp.MustCompile("(?s)```(\\w+)?[ \t]*(?://\\s*)?([^\n]*)\n(.*?)```")

// ParseFiles extracts generated files from free-form agent output.
// Code blocks name their file either on the fence line or in a comment
// on the first content line; blocks without a usable path get one
// inferred from the language. A repeated path overwrites the earlier
// block.
func ParseFiles(raw string) []workflow.FileUnit {
	var files []workflow.FileUnit
	index := make(map[string]int)

	for _, match := range codeBlockRe.FindAllStringSubmatch(raw, -1) {
		language := match[1]
		potentialPath := strings.TrimSpace(match[2])
		content := strings.TrimSpace(match[3])
		if content == "" {
			continue
		}

		if potentialPath == "" {
			potentialPath, content = splitPathComment(content)
		}

		path := inferPath(language, potentialPath)
		if path == "" {
			continue
		}

		unit := workflow.FileUnit{Path: path, Content: content, Language: language}
		if i, seen := index[path]; seen {
			files[i] = unit
			continue
		}
		index[path] = len(files)
		files = append(files, unit)
	}

	return files
}

// splitPathComment recognizes a leading "// path" or "/* path */"
// comment naming the file and strips it from the content.
func splitPathComment(content string) (string, string) {
	line, rest, _ := strings.Cut(content, "\n")
	trimmed := strings.TrimSpace(line)

	var candidate string
	switch {
	case strings.HasPrefix(trimmed, "//"):
		candidate = strings.TrimSpace(strings.TrimPrefix(trimmed, "//"))
	case strings.HasPrefix(trimmed, "/*") && strings.HasSuffix(trimmed, "*/"):
		candidate = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	default:
		return "", content
	}

	// A path has a separator or an extension and no spaces.
	if candidate == "" || strings.ContainsAny(candidate, " \t") ||
		(!strings.Contains(candidate, "/") && !strings.Contains(candidate, ".")) {
		return "", content
	}
	return candidate, strings.TrimSpace(rest)
}

func inferPath(language, potentialPath string) string {
	if potentialPath != "" && (strings.Contains(potentialPath, "/") || strings.Contains(potentialPath, ".")) {
		return potentialPath
	}

	name := potentialPath
	switch language {
	case "javascript", "jsx", "js":
		if name == "" {
			name = "App"
		}
		return "src/" + name + ".jsx"
	case "css":
		if name == "" {
			name = "App"
		}
		return "src/" + name + ".css"
	case "html":
		return "public/index.html"
	case "":
		return ""
	default:
		return "src/Component." + language
	}
}
