package repl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jxucoder/rlmserver/internal/llm"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```repl[ \t]*\n(.*?)\n```")
	finalVarRe  = regexp.MustCompile(`(?ms)^\s*FINAL_VAR\((.*?)\)`)
	finalRe     = regexp.MustCompile(`(?ms)^\s*FINAL\((.*?)\)`)
)

// findCodeBlocks extracts every fenced `repl` block from a model response,
// in order, with surrounding whitespace trimmed.
func findCodeBlocks(text string) []string {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	return blocks
}

// finalAnswerKind distinguishes the two termination markers.
type finalAnswerKind int

const (
	finalAnswerDirect finalAnswerKind = iota
	finalAnswerVar
)

// findFinalAnswer scans a response for a termination marker. FINAL_VAR wins
// over FINAL; both anchors tolerate leading whitespace because models emit
// the markers inside prose.
func findFinalAnswer(text string) (finalAnswerKind, string, bool) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		return finalAnswerVar, strings.TrimSpace(m[1]), true
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		return finalAnswerDirect, strings.TrimSpace(m[1]), true
	}
	return 0, "", false
}

// trimVariableName normalizes a FINAL_VAR capture into a bare identifier.
func trimVariableName(name string) string {
	return strings.Trim(name, " \t\r\n\"'")
}

// addExecutionResult appends the code-executed user message, truncating the
// output at maxLen characters.
func addExecutionResult(messages []llm.Message, code, result string, maxLen int) []llm.Message {
	output := result
	if maxLen > 0 && len(output) > maxLen {
		output = output[:maxLen] + "..."
	}
	return append(messages, llm.User(fmt.Sprintf(
		"Code executed:\n```python\n%s\n```\n\nREPL output:\n%s", code, output)))
}

// formatExecutionResult renders a Result the way the model sees it: stdout,
// stderr, then a one-line summary of simple REPL variables.
func formatExecutionResult(result *Result) string {
	var parts []string
	if result.Stdout != "" {
		parts = append(parts, "\n"+result.Stdout)
	}
	if result.Stderr != "" {
		parts = append(parts, "\n"+result.Stderr)
	}

	var vars []string
	for _, local := range result.Locals {
		if shouldSkipVarName(local.Name) || !local.IsSimple {
			continue
		}
		display := local.Repr
		if local.StringValue != nil {
			if truncated, did := truncateString(*local.StringValue, 100); did {
				display = "'" + escapeString(truncated) + "...'"
			}
		}
		vars = append(vars, local.Name+"="+display)
	}
	if len(vars) > 0 {
		parts = append(parts, "REPL variables: ["+strings.Join(vars, ", ")+"]\n")
	}

	if len(parts) == 0 {
		return "No output"
	}
	return strings.Join(parts, "\n")
}

func shouldSkipVarName(name string) bool {
	return strings.HasPrefix(name, "_")
}

func truncateString(value string, maxLen int) (string, bool) {
	if len(value) <= maxLen {
		return value, false
	}
	end := maxLen
	for end > 0 && !isRuneStart(value[end]) {
		end--
	}
	return value[:end], true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func escapeString(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, "'", `\'`)
}
