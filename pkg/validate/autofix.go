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

package validate

import (
	"strings"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

// applyFix mutates the file content for one fixable issue class and
// reports whether a fix was applied. Every transformation here is
// purely textual, deterministic and idempotent: running it on already
// fixed content changes nothing.
func applyFix(f *workflow.FileUnit, class workflow.IssueClass) bool {
	switch class {
	case workflow.ClassMismatchedDelimiter:
		return fixMismatchedDelimiters(f)
	case workflow.ClassAttributeNaming:
		return fixAttributeNaming(f)
	case workflow.ClassMissingTerminator:
		return fixMissingTerminators(f)
	default:
		return false
	}
}

// fixMismatchedDelimiters appends the missing closing braces. Extra
// closers cannot be repaired textually and are left for regeneration.
func fixMismatchedDelimiters(f *workflow.FileUnit) bool {
	open := strings.Count(f.Content, "{")
	closed := strings.Count(f.Content, "}")
	if open <= closed {
		return open == closed
	}
	f.Content += "\n" + strings.Repeat("}", open-closed)
	return true
}

// fixAttributeNaming rewrites the HTML 'class' attribute to JSX
// 'className'.
func fixAttributeNaming(f *workflow.FileUnit) bool {
	f.Content = strings.ReplaceAll(f.Content, "class=", "className=")
	return true
}

// fixMissingTerminators appends semicolons to import statements and,
// for stylesheets, to property declarations.
func fixMissingTerminators(f *workflow.FileUnit) bool {
	lines := strings.Split(f.Content, "\n")
	css := languageOf(f) == "css"

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch {
		case !css && strings.HasPrefix(trimmed, "import ") && !strings.HasSuffix(trimmed, ";"):
			lines[i] = strings.TrimRight(line, " \t") + ";"
		case css && strings.Contains(trimmed, ":") &&
			!strings.HasSuffix(trimmed, ";") && !strings.HasSuffix(trimmed, "{") && !strings.HasSuffix(trimmed, "}") &&
			!strings.HasPrefix(trimmed, "/*") && !strings.HasPrefix(trimmed, "*") && !strings.HasPrefix(trimmed, "//"):
			lines[i] = strings.TrimRight(line, " \t") + ";"
		}
	}

	f.Content = strings.Join(lines, "\n")
	return true
}
