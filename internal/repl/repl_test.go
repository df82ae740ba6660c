package repl

import (
	"context"
	"strings"
	"testing"

	"github.com/jxucoder/rlmserver/internal/llm"
)

// scriptedLLM returns canned responses in order and records the message
// histories it was called with.
type scriptedLLM struct {
	responses []string
	calls     [][]llm.Message
}

func (s *scriptedLLM) Completion(_ context.Context, messages []llm.Message) (string, error) {
	copied := append([]llm.Message(nil), messages...)
	s.calls = append(s.calls, copied)
	if len(s.responses) == 0 {
		return "FINAL(out of script)", nil
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

func testConfig() Config {
	return Config{
		Model:          "gpt-5",
		RecursiveModel: "gpt-5-mini",
		MaxIterations:  5,
	}
}

func textContext(text string) ContextData {
	return ContextData{Text: &text}
}

func TestCompletionDirectFinal(t *testing.T) {
	model := &scriptedLLM{responses: []string{"FINAL(all done)"}}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	answer, err := r.Completion(context.Background(), textContext("ctx"), "what?")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if answer != "all done" {
		t.Fatalf("unexpected answer: %q", answer)
	}
}

func TestCompletionExecutesCodeThenFinalVar(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		"Let me store the answer.\n```repl\nresult = \"4242\"\nprint(result)\n```",
		"FINAL_VAR(result)",
	}}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	answer, err := r.Completion(context.Background(), textContext("ctx"), "magic number?")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if answer != "4242" {
		t.Fatalf("unexpected answer: %q", answer)
	}

	// The second call's history must contain the execution result from the
	// first iteration, and no transient next-action prompts from earlier
	// iterations.
	second := model.calls[1]
	var sawExecution bool
	for _, message := range second[:len(second)-1] {
		if strings.Contains(message.Content, "Code executed:") {
			sawExecution = true
		}
		if strings.Contains(message.Content, "Your next action:") {
			t.Fatalf("transient prompt leaked into history: %q", message.Content)
		}
	}
	if !sawExecution {
		t.Fatal("expected execution result in history")
	}
}

func TestCompletionMissingFinalVarKeepsIterating(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		"FINAL_VAR(not_defined)",
		"FINAL(recovered)",
	}}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	answer, err := r.Completion(context.Background(), textContext("ctx"), "q")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if answer != "recovered" {
		t.Fatalf("unexpected answer: %q", answer)
	}
}

func TestCompletionIterationCapFallsBack(t *testing.T) {
	config := testConfig()
	config.MaxIterations = 2
	model := &scriptedLLM{responses: []string{
		"thinking...",
		"still thinking...",
		"direct answer without markers",
	}}
	r := NewWithClients(config, model, model)
	defer r.Close()

	answer, err := r.Completion(context.Background(), textContext("ctx"), "q")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if answer != "direct answer without markers" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	if len(model.calls) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(model.calls))
	}
	terminal := model.calls[2]
	last := terminal[len(terminal)-1]
	if !strings.Contains(last.Content, "provide a final answer") {
		t.Fatalf("expected terminal prompt, got %q", last.Content)
	}
}

func TestFirstIterationCarriesSafeguard(t *testing.T) {
	model := &scriptedLLM{responses: []string{"FINAL(x)"}}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	if _, err := r.Completion(context.Background(), textContext("ctx"), "q"); err != nil {
		t.Fatalf("completion: %v", err)
	}
	first := model.calls[0]
	if first[0].Role != "system" {
		t.Fatalf("expected system prompt first, got role %q", first[0].Role)
	}
	last := first[len(first)-1]
	if !strings.Contains(last.Content, "have not interacted with the REPL environment") {
		t.Fatalf("expected iteration-0 safeguard, got %q", last.Content)
	}
}

func TestCompletionWithExistingPreservesInterpreterState(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		"```repl\nmemory = \"mauve\"\n```",
		"FINAL(stored)",
		"FINAL_VAR(memory)",
	}}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	if _, err := r.Completion(context.Background(), textContext("ctx"), "remember mauve"); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	answer, err := r.CompletionWithExisting(context.Background(), "what color?")
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if answer != "mauve" {
		t.Fatalf("expected interpreter state to survive, got %q", answer)
	}

	// The resumed turn restarts the conversation from the system prompt.
	resumed := model.calls[2]
	if len(resumed) != 2 || resumed[0].Role != "system" {
		t.Fatalf("expected fresh conversation on resume, got %d messages", len(resumed))
	}
}

func TestCompletionWithExistingRequiresInit(t *testing.T) {
	model := &scriptedLLM{}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()
	if _, err := r.CompletionWithExisting(context.Background(), "q"); err == nil {
		t.Fatal("expected error before initialization")
	}
}

func TestExecuteCodeDirect(t *testing.T) {
	model := &scriptedLLM{}
	r := NewWithClients(testConfig(), model, model)
	defer r.Close()

	if err := r.SetupContext(textContext("data"), "q"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	result, err := r.ExecuteCode(`print(context)`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stdout != "data\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}
