// Package repl implements the RLM core: an iterative agent loop in which a
// model proposes code fragments, an embedded sandboxed interpreter executes
// them, and the outputs feed back into the conversation until the model
// emits a final answer.
package repl

import (
	"context"
	"fmt"
	"log"

	"github.com/jxucoder/rlmserver/internal/llm"
)

// maxExecutionOutputChars bounds the REPL output appended to history per
// code block. Disabled when recursion is off, where the full transcript is
// the point.
const maxExecutionOutputChars = 100_000

// Config holds everything a Repl needs to run completions.
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	RecursiveModel   string
	MaxIterations    int
	Depth            int
	EnableLogging    bool
	DisableRecursive bool
}

// Repl drives a single conversation: it owns the message history, the
// persistent interpreter, and the two model clients (main and recursive).
type Repl struct {
	llm       llm.Client
	recursive llm.Client
	config    Config

	logger    *Logger
	envLogger *EnvLogger

	messages []llm.Message
	env      *Env
	query    string
}

// New creates a Repl with HTTP clients built from the config.
func New(config Config) (*Repl, error) {
	main, err := llm.NewHTTPClient(config.APIKey, config.BaseURL, config.Model)
	if err != nil {
		return nil, fmt.Errorf("building model client: %w", err)
	}
	recursive, err := llm.NewHTTPClient(config.APIKey, config.BaseURL, config.RecursiveModel)
	if err != nil {
		return nil, fmt.Errorf("building recursive model client: %w", err)
	}
	return NewWithClients(config, main, recursive), nil
}

// NewWithClients creates a Repl with injected clients. Tests and nested
// completions use this.
func NewWithClients(config Config, main, recursive llm.Client) *Repl {
	return &Repl{
		llm:       main,
		recursive: recursive,
		config:    config,
		logger:    NewLogger(config.EnableLogging),
		envLogger: NewEnvLogger(config.EnableLogging),
	}
}

// SetupContext resets the conversation to the system prompt and
// (re)initializes the interpreter with the given context.
func (r *Repl) SetupContext(contextData ContextData, query string) error {
	if query == "" {
		query = DefaultQuery
	}
	r.query = query
	r.logger.LogQueryStart(query)
	r.resetMessagesToSystemPrompt()
	r.logger.LogInitialMessages(r.messages)

	if r.env == nil {
		env, err := NewEnv(r.llmQueryFunc(), r.rlmQueryFunc())
		if err != nil {
			return fmt.Errorf("creating interpreter: %w", err)
		}
		r.env = env
	}
	if err := r.env.Init(contextData); err != nil {
		return fmt.Errorf("initializing context: %w", err)
	}
	return nil
}

// Completion runs a full turn: context setup followed by the agent loop.
func (r *Repl) Completion(ctx context.Context, contextData ContextData, query string) (string, error) {
	if err := r.SetupContext(contextData, query); err != nil {
		return "", err
	}
	return r.runCompletionLoop(ctx, r.query)
}

// CompletionWithExisting resumes the agent loop over the live interpreter:
// the conversation restarts from the system prompt but interpreter state is
// preserved.
func (r *Repl) CompletionWithExisting(ctx context.Context, query string) (string, error) {
	if r.env == nil {
		return "", fmt.Errorf("interpreter not initialized")
	}
	if query == "" {
		query = DefaultQuery
	}
	r.query = query
	r.logger.LogQueryStart(query)
	r.resetMessagesToSystemPrompt()
	r.logger.LogInitialMessages(r.messages)
	return r.runCompletionLoop(ctx, query)
}

// ExecuteCode runs one raw code fragment against the live interpreter.
func (r *Repl) ExecuteCode(code string) (*Result, error) {
	if r.env == nil {
		return nil, fmt.Errorf("interpreter not initialized")
	}
	return r.env.Execute(code)
}

// Reset discards the conversation and the interpreter.
func (r *Repl) Reset() {
	r.messages = nil
	r.query = ""
	r.envLogger.Clear()
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
}

// Close releases the interpreter's resources.
func (r *Repl) Close() {
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
}

func (r *Repl) llmQueryFunc() LLMQueryFunc {
	return func(payload string) string {
		return GuardedQuery(context.Background(), r.recursive, payload)
	}
}

// rlmQueryFunc builds the nested-completion hook, or nil when this Repl sits
// at depth 0 or recursion is disabled.
func (r *Repl) rlmQueryFunc() RlmQueryFunc {
	if r.config.Depth <= 0 || r.config.DisableRecursive {
		return nil
	}
	return func(query string, contextData ContextData) (string, error) {
		nestedConfig := r.config
		nestedConfig.Depth = r.config.Depth - 1
		nested := NewWithClients(nestedConfig, r.recursive, r.recursive)
		defer nested.Close()
		return nested.Completion(context.Background(), contextData, query)
	}
}

func (r *Repl) runCompletionLoop(ctx context.Context, query string) (string, error) {
	for iteration := 0; iteration < r.config.MaxIterations; iteration++ {
		r.messages = append(r.messages, nextActionPrompt(query, iteration, false))
		response, err := r.llm.Completion(ctx, r.messages)
		r.messages = r.messages[:len(r.messages)-1]
		if err != nil {
			return "", err
		}

		codeBlocks := findCodeBlocks(response)
		r.logger.LogModelResponse(response, len(codeBlocks) > 0)

		if len(codeBlocks) > 0 {
			r.processCodeExecution(codeBlocks)
		} else {
			r.messages = append(r.messages, llm.Assistant("You responded with:\n"+response))
		}

		if final, ok := r.checkForFinalAnswer(response); ok {
			r.logger.LogFinalResponse(final)
			return final, nil
		}
	}

	log.Printf("no final answer found in any iteration")
	r.messages = append(r.messages, nextActionPrompt(query, r.config.MaxIterations, true))
	final, err := r.llm.Completion(ctx, r.messages)
	if err != nil {
		return "", err
	}
	r.logger.LogFinalResponse(final)
	return final, nil
}

// processCodeExecution runs every extracted block in order and appends each
// outcome to the conversation.
func (r *Repl) processCodeExecution(codeBlocks []string) {
	maxLen := maxExecutionOutputChars
	if r.config.DisableRecursive {
		maxLen = 0
	}
	for _, code := range codeBlocks {
		output := r.executeCodeForLoop(code)
		r.messages = addExecutionResult(r.messages, code, output, maxLen)
	}
}

func (r *Repl) executeCodeForLoop(code string) string {
	result, err := r.env.Execute(code)
	if err != nil {
		return fmt.Sprintf("Error executing code: %v", err)
	}
	output := formatExecutionResult(result)
	r.envLogger.LogExecution(code, result.Stdout, result.Stderr, result.ExecutionTime)
	r.envLogger.DisplayLast()
	r.logger.LogToolExecution(code, output)
	return output
}

// checkForFinalAnswer inspects a response for the termination markers. A
// FINAL_VAR naming an unknown variable is recoverable: the loop continues.
func (r *Repl) checkForFinalAnswer(response string) (string, bool) {
	kind, content, found := findFinalAnswer(response)
	if !found {
		return "", false
	}
	if kind == finalAnswerDirect {
		return content, true
	}
	name := trimVariableName(content)
	value, ok := r.env.GetVariable(name)
	if !ok {
		r.logger.LogToolExecution("FINAL_VAR",
			fmt.Sprintf("Variable '%s' not found in REPL environment", name))
		return "", false
	}
	return value, true
}

func (r *Repl) resetMessagesToSystemPrompt() {
	if len(r.messages) > 0 && r.messages[0].Role == "system" && r.messages[0].Content == SystemPrompt {
		r.messages = r.messages[:1]
		return
	}
	r.messages = buildSystemPrompt()
}
