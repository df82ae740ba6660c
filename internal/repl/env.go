package repl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// executionTimeout bounds a single code execution inside the interpreter.
const executionTimeout = 10 * time.Second

// fileOptions enables the dialect extensions user code relies on:
// while loops, top-level control flow, reassignment, sets, and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Local is one binding from the persistent REPL namespace.
type Local struct {
	Name        string
	Repr        string
	IsSimple    bool
	StringValue *string
}

// Result is the outcome of one code execution.
type Result struct {
	Stdout        string
	Stderr        string
	Locals        []Local
	ExecutionTime float64
}

// RlmQueryFunc runs a nested RLM completion for the rlm_query builtin.
// A nil func means recursion is unavailable at this depth.
type RlmQueryFunc func(query string, context ContextData) (string, error)

// Env is one sandboxed interpreter: a persistent namespace, a temp-dir
// filesystem jail, and the safety shim installed before any user code runs.
type Env struct {
	mu        sync.Mutex
	globals   starlark.StringDict
	baseNames map[string]bool
	tempDir   string

	llmQuery LLMQueryFunc
	rlmQuery RlmQueryFunc
	modules  map[string]*starlarkstruct.Module

	// cur is the in-flight execution; module and builtin closures write
	// through it for stdout/stderr and deadline control.
	cur *execState
}

// LLMQueryFunc performs a blocking sub-LLM call for the llm_query builtin.
type LLMQueryFunc func(payload string) string

type execState struct {
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	thread   *starlark.Thread
	watchdog *watchdog
}

// watchdog cancels a thread when the execution deadline passes. It can be
// paused around blocking foreign calls so they don't count against the
// deadline.
type watchdog struct {
	mu        sync.Mutex
	thread    *starlark.Thread
	timer     *time.Timer
	remaining time.Duration
	deadline  time.Time
	expired   bool
}

func newWatchdog(thread *starlark.Thread, d time.Duration) *watchdog {
	w := &watchdog{thread: thread, remaining: d}
	w.resume()
	return w
}

func (w *watchdog) resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = time.Now().Add(w.remaining)
	w.timer = time.AfterFunc(w.remaining, func() {
		w.mu.Lock()
		w.expired = true
		w.mu.Unlock()
		w.thread.Cancel("Execution time limit exceeded")
	})
}

func (w *watchdog) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.remaining = time.Until(w.deadline)
	if w.remaining < 0 {
		w.remaining = 0
	}
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) timedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// NewEnv creates an interpreter with the safety shim installed. llmQuery
// backs the llm_query builtin; rlmQuery may be nil when recursion is
// unavailable.
func NewEnv(llmQuery LLMQueryFunc, rlmQuery RlmQueryFunc) (*Env, error) {
	tempDir, err := os.MkdirTemp("", "rlm-env-*")
	if err != nil {
		return nil, fmt.Errorf("creating env temp dir: %w", err)
	}

	e := &Env{
		globals:  make(starlark.StringDict),
		tempDir:  tempDir,
		llmQuery: llmQuery,
		rlmQuery: rlmQuery,
	}
	e.installBuiltins()
	e.installBridges()

	e.baseNames = make(map[string]bool, len(e.globals))
	for name := range e.globals {
		e.baseNames[name] = true
	}
	return e, nil
}

// Close removes the temp-dir jail.
func (e *Env) Close() error {
	return os.RemoveAll(e.tempDir)
}

// TempDir returns the jail root.
func (e *Env) TempDir() string { return e.tempDir }

// Init materializes a request context into the jail and binds the `context`
// global. Calling it again replaces the context but preserves user locals.
func (e *Env) Init(context ContextData) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if context.JSON != nil {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, context.JSON, "", "  "); err != nil {
			return fmt.Errorf("encoding context: %w", err)
		}
		path := filepath.Join(e.tempDir, "context.json")
		if err := os.WriteFile(path, pretty.Bytes(), 0o644); err != nil {
			return fmt.Errorf("writing context file: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(context.JSON, &decoded); err != nil {
			return fmt.Errorf("decoding context: %w", err)
		}
		value, err := goToStarlark(decoded)
		if err != nil {
			return fmt.Errorf("converting context: %w", err)
		}
		e.globals["context"] = value
		e.baseNames["context"] = true
		return nil
	}

	text := ""
	if context.Text != nil {
		text = *context.Text
	}
	path := filepath.Join(e.tempDir, "context.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing context file: %w", err)
	}
	e.globals["context"] = starlark.String(text)
	e.baseNames["context"] = true
	return nil
}

// Execute runs one code fragment against the persistent namespace. User
// errors are never returned: they land in Result.Stderr so the agent loop
// can show them to the model.
func (e *Env) Execute(code string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	state := &execState{}
	state.thread = e.newThread(state)
	state.watchdog = newWatchdog(state.thread, executionTimeout)
	e.cur = state
	defer func() {
		state.watchdog.stop()
		e.cur = nil
	}()

	e.executeLocked(state, code)

	stdout := state.stdout.String()
	stderr := state.stderr.String()
	e.globals["_stdout"] = starlark.String(stdout)
	e.globals["_stderr"] = starlark.String(stderr)

	return &Result{
		Stdout:        stdout,
		Stderr:        stderr,
		Locals:        e.userLocals(),
		ExecutionTime: time.Since(start).Seconds(),
	}, nil
}

func (e *Env) newThread(state *execState) *starlark.Thread {
	return &starlark.Thread{
		Name: "repl",
		Print: func(_ *starlark.Thread, msg string) {
			state.stdout.WriteString(msg)
			state.stdout.WriteByte('\n')
		},
	}
}

func (e *Env) executeLocked(state *execState, code string) {
	imports, rest := splitImports(code)
	for _, imp := range imports {
		if err := e.applyImport(imp); err != nil {
			state.stderr.WriteString(err.Error())
			state.stderr.WriteByte('\n')
			return
		}
	}

	lines := strings.Split(rest, "\n")
	var nonComment []string
	for _, line := range lines {
		if line != "" && !strings.HasPrefix(line, "#") {
			nonComment = append(nonComment, line)
		}
	}
	if len(nonComment) == 0 {
		return
	}

	lastLine := nonComment[len(nonComment)-1]
	if isBareExpression(lastLine) {
		if e.execTrailingExpression(state, lines, lastLine) {
			return
		}
	}
	e.execChunk(state, rest)
}

// execTrailingExpression executes everything before the final expression,
// then evaluates the expression and prints its repr, mirroring interactive
// interpreter behavior. Returns false to fall back to whole-block execution.
func (e *Env) execTrailingExpression(state *execState, lines []string, lastLine string) bool {
	lastIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == lastLine {
			lastIdx = i
			break
		}
	}
	if lastIdx > 0 {
		head := strings.Join(lines[:lastIdx], "\n")
		if err := e.runChunk(state.thread, head); err != nil {
			return false
		}
	}
	value, err := starlark.EvalOptions(fileOptions, state.thread, "<expr>", lastLine, e.globals)
	if err != nil {
		return false
	}
	if value != starlark.None {
		state.stdout.WriteString(value.String())
		state.stdout.WriteByte('\n')
	}
	return true
}

func (e *Env) execChunk(state *execState, code string) {
	if err := e.runChunk(state.thread, code); err != nil {
		state.stderr.WriteString(formatExecError(err, state.watchdog))
		state.stderr.WriteByte('\n')
	}
}

func (e *Env) runChunk(thread *starlark.Thread, code string) error {
	f, err := fileOptions.Parse("<repl>", code, 0)
	if err != nil {
		return err
	}
	return starlark.ExecREPLChunk(f, thread, e.globals)
}

// GetVariable looks a name up in the user portion of the namespace and
// returns its str() rendering.
func (e *Env) GetVariable(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseNames[name] {
		return "", false
	}
	value, ok := e.globals[name]
	if !ok {
		return "", false
	}
	return valueStr(value), true
}

func (e *Env) userLocals() []Local {
	names := make([]string, 0, len(e.globals))
	for name := range e.globals {
		if e.baseNames[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	locals := make([]Local, 0, len(names))
	for _, name := range names {
		value := e.globals[name]
		local := Local{
			Name:     name,
			Repr:     value.String(),
			IsSimple: isSimpleValue(value),
		}
		if s, ok := value.(starlark.String); ok {
			text := string(s)
			local.StringValue = &text
		}
		locals = append(locals, local)
	}
	return locals
}

func isSimpleValue(value starlark.Value) bool {
	switch value.(type) {
	case starlark.String, starlark.Int, starlark.Float, starlark.Bool,
		*starlark.List, *starlark.Dict, starlark.Tuple:
		return true
	}
	return false
}

// isBareExpression reports whether a line should be evaluated and echoed
// rather than executed: not an assignment, a control keyword, a definition,
// or a print call.
func isBareExpression(line string) bool {
	for _, prefix := range []string{
		"import ", "from ", "def ", "class ", "if ", "for ", "while ",
		"try:", "with ", "return ", "yield ", "break", "continue", "pass",
	} {
		if strings.HasPrefix(line, prefix) {
			return false
		}
	}
	beforeComment := line
	if idx := strings.Index(line, "#"); idx >= 0 {
		beforeComment = line[:idx]
	}
	if strings.Contains(beforeComment, "=") {
		return false
	}
	if strings.HasSuffix(line, ":") {
		return false
	}
	if strings.HasPrefix(line, "print(") {
		return false
	}
	return true
}

func formatExecError(err error, w *watchdog) string {
	if w.timedOut() || strings.Contains(err.Error(), "cancelled") {
		return "TimeoutError: Execution time limit exceeded"
	}
	var evalErr *starlark.EvalError
	if ok := asEvalError(err, &evalErr); ok {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func asEvalError(err error, target **starlark.EvalError) bool {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		*target = evalErr
		return true
	}
	return false
}

// pauseDeadline suspends the execution deadline around a blocking foreign
// call. It returns the matching resume func.
func (e *Env) pauseDeadline() func() {
	state := e.cur
	if state == nil {
		return func() {}
	}
	state.watchdog.pause()
	return state.watchdog.resume
}

// jailPath resolves a user-supplied path against the temp-dir root and
// rejects escapes.
func (e *Env) jailPath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(e.tempDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	root := filepath.Clean(e.tempDir)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("PermissionError: open restricted to temp dir")
	}
	return resolved, nil
}
