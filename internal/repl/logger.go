package repl

import (
	"fmt"
	"strings"
	"time"

	"github.com/jxucoder/rlmserver/internal/llm"
)

// Logger narrates the agent loop when logging is enabled. Every method is a
// no-op otherwise, so call sites stay unconditional.
type Logger struct {
	enabled          bool
	conversationStep int
	currentQuery     string
	sessionStart     time.Time
}

// NewLogger creates a conversation logger.
func NewLogger(enabled bool) *Logger {
	return &Logger{enabled: enabled}
}

func (l *Logger) separator(ch string) {
	if l.enabled {
		fmt.Println(strings.Repeat(ch, 80))
	}
}

// LogQueryStart resets step accounting and announces a new query.
func (l *Logger) LogQueryStart(query string) {
	if !l.enabled {
		return
	}
	l.currentQuery = query
	l.conversationStep = 0
	l.sessionStart = time.Now()

	l.separator("=")
	fmt.Println("STARTING NEW QUERY")
	l.separator("=")
	fmt.Printf("QUERY: %s\n\n", query)
}

// LogInitialMessages prints the seeded conversation.
func (l *Logger) LogInitialMessages(messages []llm.Message) {
	if !l.enabled {
		return
	}
	fmt.Println("INITIAL MESSAGES SETUP:")
	for i, msg := range messages {
		fmt.Printf("  [%d] %s: %s\n", i+1, strings.ToUpper(msg.Role), logTruncate(msg.Content, 2000))
	}
	fmt.Println()
}

// LogModelResponse prints one model turn and whether it contained code.
func (l *Logger) LogModelResponse(response string, hasCode bool) {
	if !l.enabled {
		return
	}
	l.conversationStep++
	fmt.Printf("MODEL RESPONSE (Step %d):\n", l.conversationStep)
	fmt.Printf("  Response: %s\n", logTruncate(response, 500))
	if hasCode {
		fmt.Println("  Contains tool calls - will execute them")
	} else {
		fmt.Println("  No tool calls - final response")
	}
	fmt.Println()
}

// LogToolExecution prints a code execution and its result.
func (l *Logger) LogToolExecution(call, result string) {
	if !l.enabled {
		return
	}
	fmt.Println("TOOL EXECUTION:")
	fmt.Printf("  Call: %s\n", logTruncate(call, 300))
	fmt.Printf("  Result: %s\n\n", logTruncate(result, 300))
}

// LogFinalResponse prints the loop's final answer.
func (l *Logger) LogFinalResponse(response string) {
	if !l.enabled {
		return
	}
	l.separator("=")
	fmt.Println("FINAL RESPONSE:")
	l.separator("=")
	fmt.Println(response)
	l.separator("=")
	fmt.Println()
}

// codeExecution is one recorded interpreter run.
type codeExecution struct {
	code          string
	stdout        string
	stderr        string
	number        int
	executionTime float64
}

// EnvLogger records interpreter executions and can replay them for
// debugging. Output is head/tail truncated so giant context dumps stay
// readable.
type EnvLogger struct {
	enabled         bool
	executions      []codeExecution
	executionCount  int
	maxOutputLength int
}

// NewEnvLogger creates an execution logger.
func NewEnvLogger(enabled bool) *EnvLogger {
	return &EnvLogger{enabled: enabled, maxOutputLength: 2000}
}

// LogExecution records one run. Recording happens even when display is
// disabled so Clear-based accounting stays consistent.
func (e *EnvLogger) LogExecution(code, stdout, stderr string, elapsedSecs float64) {
	e.executionCount++
	e.executions = append(e.executions, codeExecution{
		code:          code,
		stdout:        stdout,
		stderr:        stderr,
		number:        e.executionCount,
		executionTime: elapsedSecs,
	})
}

// DisplayLast prints the most recent execution.
func (e *EnvLogger) DisplayLast() {
	if !e.enabled || len(e.executions) == 0 {
		return
	}
	e.display(e.executions[len(e.executions)-1])
}

// Clear drops the recorded history.
func (e *EnvLogger) Clear() {
	e.executions = nil
	e.executionCount = 0
}

func (e *EnvLogger) display(exec codeExecution) {
	fmt.Printf("REPL EXECUTION [%d]:\n", exec.number)
	fmt.Printf("  Code:\n%s\n", e.truncateOutput(exec.code))
	switch {
	case exec.stderr != "":
		fmt.Printf("  Stderr:\n%s\n", e.truncateOutput(exec.stderr))
	case exec.stdout != "":
		fmt.Printf("  Stdout:\n%s\n", e.truncateOutput(exec.stdout))
	default:
		fmt.Println("  Output: No output")
	}
	fmt.Printf("  Execution time: %.4fs\n\n", exec.executionTime)
}

func (e *EnvLogger) truncateOutput(text string) string {
	if len(text) <= e.maxOutputLength {
		return text
	}
	half := e.maxOutputLength / 2
	first, _ := truncateString(text, half)
	lastStart := len(text) - half
	for lastStart > 0 && !isRuneStart(text[lastStart]) {
		lastStart--
	}
	truncated := len(text) - e.maxOutputLength
	return fmt.Sprintf("%s\n\n... [TRUNCATED %d characters] ...\n\n%s", first, truncated, text[lastStart:])
}

func logTruncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	head, _ := truncateString(text, maxLen)
	return head + "..."
}
