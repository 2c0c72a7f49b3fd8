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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/atelierlabs/atelier/pkg/workflow"
)

// languageOf resolves the effective language of a file, falling back to
// its extension when the unit carries no language tag.
func languageOf(f *workflow.FileUnit) string {
	if f.Language != "" {
		return f.Language
	}
	switch {
	case strings.HasSuffix(f.Path, ".jsx"), strings.HasSuffix(f.Path, ".js"):
		return "jsx"
	case strings.HasSuffix(f.Path, ".css"):
		return "css"
	case strings.HasSuffix(f.Path, ".html"):
		return "html"
	default:
		return ""
	}
}

func isScript(lang string) bool {
	switch lang {
	case "jsx", "js", "javascript":
		return true
	}
	return false
}

// syntaxValidator checks basic syntactic well-formedness: balanced
// delimiters, JSX attribute naming and statement terminators.
type syntaxValidator struct{}

func (v *syntaxValidator) Name() string { return "syntax" }

func (v *syntaxValidator) Validate(artifact *workflow.Artifact) []workflow.Issue {
	var issues []workflow.Issue
	for i := range artifact.Files {
		f := &artifact.Files[i]
		switch lang := languageOf(f); {
		case isScript(lang):
			issues = append(issues, v.checkScript(f)...)
		case lang == "css":
			issues = append(issues, v.checkCSS(f)...)
		}
	}
	return issues
}

func (v *syntaxValidator) checkScript(f *workflow.FileUnit) []workflow.Issue {
	var issues []workflow.Issue

	open := strings.Count(f.Content, "{")
	closed := strings.Count(f.Content, "}")
	if open != closed {
		issues = append(issues, workflow.Issue{
			Severity: workflow.SeverityError,
			Class:    workflow.ClassMismatchedDelimiter,
			Message:  fmt.Sprintf("mismatched braces: %d open, %d close", open, closed),
			Path:     f.Path,
		})
	}

	if strings.Contains(f.Content, "class=") {
		issues = append(issues, workflow.Issue{
			Severity: workflow.SeverityError,
			Class:    workflow.ClassAttributeNaming,
			Message:  "use 'className' instead of 'class' in JSX",
			Path:     f.Path,
		})
	}

	for n, line := range strings.Split(f.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") && !strings.HasSuffix(trimmed, ";") {
			issues = append(issues, workflow.Issue{
				Severity: workflow.SeverityError,
				Class:    workflow.ClassMissingTerminator,
				Message:  "import statement is missing its terminating semicolon",
				Path:     f.Path,
				Line:     n + 1,
			})
			break // one issue per file; the fix repairs every import
		}
	}

	return issues
}

func (v *syntaxValidator) checkCSS(f *workflow.FileUnit) []workflow.Issue {
	var issues []workflow.Issue

	open := strings.Count(f.Content, "{")
	closed := strings.Count(f.Content, "}")
	if open != closed {
		issues = append(issues, workflow.Issue{
			Severity: workflow.SeverityError,
			Class:    workflow.ClassMismatchedDelimiter,
			Message:  fmt.Sprintf("mismatched braces: %d open, %d close", open, closed),
			Path:     f.Path,
		})
	}

	warned := 0
	for n, line := range strings.Split(f.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.Contains(trimmed, ":") {
			continue
		}
		if strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		if strings.HasSuffix(trimmed, ";") || strings.HasSuffix(trimmed, "{") || strings.HasSuffix(trimmed, "}") {
			continue
		}
		issues = append(issues, workflow.Issue{
			Severity: workflow.SeverityWarning,
			Class:    workflow.ClassMissingTerminator,
			Message:  "declaration is missing its terminating semicolon",
			Path:     f.Path,
			Line:     n + 1,
		})
		warned++
		if warned >= 5 { // cap noise per file
			break
		}
	}

	return issues
}

var useEffectRe = regexp.MustCompile(`useEffect\([^)]+\)`)

// bestPracticesValidator flags structural problems that a review step
// should call out but that have no mechanical fix.
type bestPracticesValidator struct{}

func (v *bestPracticesValidator) Name() string { return "best-practices" }

func (v *bestPracticesValidator) Validate(artifact *workflow.Artifact) []workflow.Issue {
	var issues []workflow.Issue
	for i := range artifact.Files {
		f := &artifact.Files[i]
		if !isScript(languageOf(f)) {
			continue
		}

		if strings.Contains(f.Content, ".map(") && !strings.Contains(f.Content, "key=") {
			issues = append(issues, workflow.Issue{
				Severity: workflow.SeverityWarning,
				Class:    workflow.ClassMissingListKey,
				Message:  "add a 'key' prop when rendering lists",
				Path:     f.Path,
			})
		}

		for _, effect := range useEffectRe.FindAllString(f.Content, -1) {
			if !strings.Contains(effect, "]") {
				issues = append(issues, workflow.Issue{
					Severity: workflow.SeverityWarning,
					Class:    workflow.ClassMissingDependency,
					Message:  "useEffect should declare a dependency array",
					Path:     f.Path,
				})
				break
			}
		}

		if strings.Contains(f.Content, "useState") && !strings.Contains(f.Content, "import") {
			issues = append(issues, workflow.Issue{
				Severity: workflow.SeverityWarning,
				Class:    workflow.ClassMissingImport,
				Message:  "useState is used but nothing is imported from React",
				Path:     f.Path,
			})
		}

		if strings.Contains(f.Content, "props") && !strings.Contains(f.Content, "PropTypes") {
			issues = append(issues, workflow.Issue{
				Severity: workflow.SeverityInfo,
				Class:    workflow.ClassBestPractice,
				Message:  "consider adding PropTypes for better type safety",
				Path:     f.Path,
			})
		}
	}
	return issues
}

var importRe = regexp.MustCompile(`import\s+(?:{[^}]+}|[\w]+|\*\s+as\s+\w+)\s+from\s+['"]([^'"]+)['"]`)

// knownVersions pins versions for common packages; anything else
// resolves to "latest".
var knownVersions = map[string]string{
	"react":                     "^18.2.0",
	"react-dom":                 "^18.2.0",
	"react-router-dom":          "^6.20.0",
	"axios":                     "^1.6.0",
	"@testing-library/react":    "^14.0.0",
	"@testing-library/jest-dom": "^6.1.0",
	"styled-components":         "^6.1.0",
	"tailwindcss":               "^3.3.0",
	"typescript":                "^5.3.0",
	"@types/react":              "^18.2.0",
	"@types/react-dom":          "^18.2.0",
}

// dependencyValidator extracts the npm dependency set from import
// statements and flags known-incompatible combinations. As a side
// product it derives artifact.Dependencies.
type dependencyValidator struct{}

func (v *dependencyValidator) Name() string { return "dependencies" }

func (v *dependencyValidator) Validate(artifact *workflow.Artifact) []workflow.Issue {
	deps := make(map[string]string)
	for i := range artifact.Files {
		f := &artifact.Files[i]
		if !isScript(languageOf(f)) {
			continue
		}
		for _, match := range importRe.FindAllStringSubmatch(f.Content, -1) {
			pkg := packageName(match[1])
			if pkg == "" {
				continue
			}
			version, ok := knownVersions[pkg]
			if !ok {
				version = "latest"
			}
			deps[pkg] = version
		}
	}
	artifact.Dependencies = deps

	var issues []workflow.Issue
	if _, ok := deps["react"]; ok {
		if _, ok := deps["react-dom"]; !ok {
			issues = append(issues, workflow.Issue{
				Severity: workflow.SeverityWarning,
				Class:    workflow.ClassIncompatiblePair,
				Message:  "react-dom is required when using react",
			})
		}
	}

	// Deterministic ordering for repeated runs.
	sort.Slice(issues, func(i, j int) bool { return issues[i].Message < issues[j].Message })
	return issues
}

// packageName extracts the npm package name from an import specifier,
// skipping relative imports and handling scoped packages.
func packageName(spec string) string {
	if strings.HasPrefix(spec, ".") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
