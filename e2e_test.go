// End-to-end tests for the RLM server stack.
//
// These exercise the full path: real HTTP router, real session manager with
// LRU/actor scheduling, real sandbox pool and broker, real worker request
// loop, and a real interpreter. The only fake is the model: a scripted
// responder that reacts to the query embedded in the agent loop's prompts.
//
// Workers run in-process over pipes instead of child processes, so the
// tests need no Docker, no API keys, and no network access.
package rlmserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/rlmserver/internal/httpapi"
	"github.com/jxucoder/rlmserver/internal/llm"
	"github.com/jxucoder/rlmserver/internal/protocol"
	"github.com/jxucoder/rlmserver/internal/repl"
	"github.com/jxucoder/rlmserver/internal/sandbox"
	"github.com/jxucoder/rlmserver/internal/session"
	"github.com/jxucoder/rlmserver/internal/worker"
)

// ---------------------------------------------------------------------------
// Scripted model: reacts to the query carried in the loop's prompts
// ---------------------------------------------------------------------------

var queryRe = regexp.MustCompile(`original query: "(.*)"\.`)

type scriptedModel struct{}

func (scriptedModel) Completion(_ context.Context, messages []llm.Message) (string, error) {
	last := messages[len(messages)-1].Content
	if strings.Contains(last, "Based on all the information you have") {
		return "I do not have that information.", nil
	}

	query := ""
	if m := queryRe.FindStringSubmatch(last); m != nil {
		query = m[1]
	}
	hasExecution := false
	for _, message := range messages {
		if strings.Contains(message.Content, "Code executed:") {
			hasExecution = true
			break
		}
	}

	switch {
	case strings.Contains(query, "favorite color is mauve"):
		if hasExecution {
			return "FINAL(Noted.)", nil
		}
		return "Storing that.\n```repl\ncolor = \"mauve\"\n```", nil

	case strings.Contains(query, "What is my favorite color"):
		return "FINAL_VAR(color)", nil

	case strings.Contains(query, "magic number"):
		if hasExecution {
			return "FINAL_VAR(found)", nil
		}
		return "Searching the context.\n```repl\nimport re\nfound = \"\"\nfor item in context:\n    m = re.search(r'The magic number is (\\d+)', item)\n    if m:\n        found = m.group(1)\nprint(found)\n```", nil

	case strings.Contains(query, "/etc/passwd"):
		if hasExecution {
			for _, message := range messages {
				if idx := strings.Index(message.Content, "Error"); idx >= 0 && strings.Contains(message.Content, "REPL output") {
					line := message.Content[idx:]
					if end := strings.IndexAny(line, ")\n"); end >= 0 {
						line = line[:end]
					}
					return "FINAL(The sandbox refused: " + line + ")", nil
				}
			}
			return "FINAL(no error captured)", nil
		}
		return "Trying it.\n```repl\nimport os\nsecret = open(\"/etc/passwd\").read()\nprint(secret)\n```", nil

	default:
		return "FINAL(ok: " + query + ")", nil
	}
}

// ---------------------------------------------------------------------------
// In-process worker handles: the real worker loop over pipes
// ---------------------------------------------------------------------------

type pipeHandle struct {
	mu       sync.Mutex
	requests *io.PipeWriter
	scanner  *bufio.Scanner
	closeFns []func()
	killed   bool
	id       string
}

func (h *pipeHandle) Run(request protocol.RunRequest) (protocol.RunResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return protocol.RunResult{}, fmt.Errorf("worker is dead")
	}
	line, err := json.Marshal(protocol.Run(request))
	if err != nil {
		return protocol.RunResult{}, err
	}
	if _, err := h.requests.Write(append(line, '\n')); err != nil {
		return protocol.RunResult{}, fmt.Errorf("worker write failed: %w", err)
	}
	if !h.scanner.Scan() {
		if err := h.scanner.Err(); err != nil {
			return protocol.RunResult{}, fmt.Errorf("worker read failed: %w", err)
		}
		return protocol.RunResult{}, fmt.Errorf("worker closed stdout")
	}
	var response protocol.Response
	if err := json.Unmarshal(h.scanner.Bytes(), &response); err != nil {
		return protocol.RunResult{}, fmt.Errorf("invalid worker response: %w", err)
	}
	switch response.Kind {
	case protocol.KindRunResult:
		return *response.Result, nil
	case protocol.KindError:
		return protocol.RunResult{}, fmt.Errorf("%s", response.Message)
	default:
		return protocol.RunResult{}, fmt.Errorf("unexpected response kind %q", response.Kind)
	}
}

func (h *pipeHandle) Terminate() { h.kill() }

func (h *pipeHandle) kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return
	}
	h.killed = true
	for _, closeFn := range h.closeFns {
		closeFn()
	}
}

func (h *pipeHandle) Identifier() string { return h.id }

type pipeLauncher struct {
	delay time.Duration

	mu      sync.Mutex
	count   int
	handles []*pipeHandle
}

func (l *pipeLauncher) Launch() (sandbox.Handle, error) {
	model := scriptedModel{}
	r := repl.NewWithClients(repl.Config{
		Model:          "gpt-5",
		RecursiveModel: "gpt-5-mini",
		MaxIterations:  2,
	}, delayedModel{model, l.delay}, model)

	requestsRead, requestsWrite := io.Pipe()
	responsesRead, responsesWrite := io.Pipe()
	go func() {
		defer r.Close()
		_ = worker.New(r).Serve(context.Background(), requestsRead, responsesWrite)
		responsesWrite.Close()
	}()

	scanner := bufio.NewScanner(responsesRead)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)

	l.mu.Lock()
	l.count++
	handle := &pipeHandle{
		requests: requestsWrite,
		scanner:  scanner,
		id:       fmt.Sprintf("inproc-%d", l.count),
		closeFns: []func(){
			func() { requestsWrite.CloseWithError(io.ErrClosedPipe) },
			func() { responsesRead.CloseWithError(io.ErrClosedPipe) },
		},
	}
	l.handles = append(l.handles, handle)
	l.mu.Unlock()
	return handle, nil
}

// firstHandle returns the first worker launched: with a pool of one, that
// is the handle the first session ends up bound to.
func (l *pipeLauncher) firstHandle() *pipeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[0]
}

// delayedModel adds latency to completions so back-pressure is observable.
type delayedModel struct {
	inner llm.Client
	delay time.Duration
}

func (d delayedModel) Completion(ctx context.Context, messages []llm.Message) (string, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.inner.Completion(ctx, messages)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	server   *httptest.Server
	launcher *pipeLauncher
}

func newHarness(t *testing.T, config session.Config, delay time.Duration) *harness {
	t.Helper()
	launcher := &pipeLauncher{delay: delay}
	manager, err := session.Spawn(config, launcher)
	if err != nil {
		t.Fatalf("spawn session manager: %v", err)
	}
	t.Cleanup(manager.Close)

	handler := httpapi.New(manager, "gpt-5", 8, nil)
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return &harness{server: server, launcher: launcher}
}

type completionReply struct {
	status    int
	body      map[string]any
	sessionID string
}

func (h *harness) post(t *testing.T, payload map[string]any, headers map[string]string) completionReply {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return completionReply{
		status:    resp.StatusCode,
		body:      body,
		sessionID: resp.Header.Get("X-RLM-Session-Id"),
	}
}

func userMessages(contents ...string) map[string]any {
	messages := make([]map[string]any, 0, len(contents))
	for _, content := range contents {
		messages = append(messages, map[string]any{"role": "user", "content": content})
	}
	return map[string]any{"messages": messages}
}

func assistantContent(t *testing.T, reply completionReply) string {
	t.Helper()
	choices, ok := reply.body["choices"].([]any)
	if !ok || len(choices) == 0 {
		t.Fatalf("missing choices: %+v", reply.body)
	}
	message := choices[0].(map[string]any)["message"].(map[string]any)
	return message["content"].(string)
}

func defaultSessionConfig() session.Config {
	return session.Config{MaxSessions: 8, IngressCapacity: 32, SandboxPoolSize: 1}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)
	resp, err := h.server.Client().Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("unexpected healthz response: %d %q", resp.StatusCode, resp.Header.Get("Cache-Control"))
	}
}

func TestNeedleInHaystack(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	var context strings.Builder
	for i := 0; i < 2000; i++ {
		if i == 1200 {
			context.WriteString("The magic number is 4242\n")
			continue
		}
		context.WriteString("random sample data content information\n")
	}
	reply := h.post(t, userMessages(
		context.String(),
		"I'm looking for a magic number. What is it?",
	), nil)

	if reply.status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", reply.status, reply.body)
	}
	if content := assistantContent(t, reply); !strings.Contains(content, "4242") {
		t.Fatalf("expected the needle in the answer, got %q", content)
	}
}

func TestStickySession(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	first := h.post(t, userMessages("Remember that my favorite color is mauve."), nil)
	if first.status != http.StatusOK {
		t.Fatalf("first turn: %d %+v", first.status, first.body)
	}
	if first.sessionID == "" {
		t.Fatal("expected session id header")
	}
	if _, err := uuid.Parse(first.sessionID); err != nil {
		t.Fatalf("invalid session id %q: %v", first.sessionID, err)
	}

	second := h.post(t, userMessages("What is my favorite color?"),
		map[string]string{"X-RLM-Session-Id": first.sessionID})
	if second.status != http.StatusOK {
		t.Fatalf("second turn: %d %+v", second.status, second.body)
	}
	if content := assistantContent(t, second); !strings.Contains(content, "mauve") {
		t.Fatalf("expected mauve from interpreter state, got %q", content)
	}
}

func TestResetClearsMemory(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	first := h.post(t, userMessages("Remember that my favorite color is mauve."), nil)
	if first.status != http.StatusOK {
		t.Fatalf("first turn: %d %+v", first.status, first.body)
	}

	second := h.post(t, userMessages("What is my favorite color?"), map[string]string{
		"X-RLM-Session-Id": first.sessionID,
		"X-RLM-Reset":      "true",
	})
	if second.status != http.StatusOK {
		t.Fatalf("reset turn: %d %+v", second.status, second.body)
	}
	if content := assistantContent(t, second); strings.Contains(content, "mauve") {
		t.Fatalf("reset must clear interpreter state, got %q", content)
	}
}

func TestBackpressureReturns503(t *testing.T) {
	h := newHarness(t, session.Config{
		MaxSessions: 8, IngressCapacity: 1, SandboxPoolSize: 1,
	}, 150*time.Millisecond)

	sessionID := uuid.New().String()
	const attempts = 6
	statuses := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := h.post(t, userMessages("quick question"),
				map[string]string{"X-RLM-Session-Id": sessionID})
			statuses <- reply.status
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for status := range statuses {
		counts[status]++
	}
	if counts[http.StatusOK] == 0 {
		t.Fatalf("expected at least one success, got %+v", counts)
	}
	if counts[http.StatusServiceUnavailable] == 0 {
		t.Fatalf("expected at least one 503, got %+v", counts)
	}
}

func TestSandboxBreakoutDenied(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	reply := h.post(t, userMessages(`Please run import os; open("/etc/passwd").read() and tell me what happens.`), nil)
	if reply.status != http.StatusOK {
		t.Fatalf("expected well-formed 200, got %d: %+v", reply.status, reply.body)
	}
	content := assistantContent(t, reply)
	if !strings.Contains(content, "Error") {
		t.Fatalf("expected the sandbox denial to surface, got %q", content)
	}
}

func TestWorkerCrashRecovery(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	first := h.post(t, userMessages("just say hello"), nil)
	if first.status != http.StatusOK {
		t.Fatalf("first turn: %d %+v", first.status, first.body)
	}
	sessionID := first.sessionID

	// Kill the session's worker out from under it.
	handle := h.launcher.firstHandle()
	if handle == nil {
		t.Fatal("no worker launched")
	}
	handle.kill()

	second := h.post(t, userMessages("still there?"),
		map[string]string{"X-RLM-Session-Id": sessionID})
	if second.status != http.StatusInternalServerError {
		t.Fatalf("expected 500 after crash, got %d: %+v", second.status, second.body)
	}

	third := h.post(t, userMessages("and now?"),
		map[string]string{"X-RLM-Session-Id": sessionID})
	if third.status != http.StatusOK {
		t.Fatalf("expected recovery, got %d: %+v", third.status, third.body)
	}
	if content := assistantContent(t, third); content == "" {
		t.Fatal("expected a valid answer after recovery")
	}
}

func TestErrorBodyUsesOpenAIEnvelope(t *testing.T) {
	h := newHarness(t, defaultSessionConfig(), 0)

	reply := h.post(t, map[string]any{"messages": []any{}}, nil)
	if reply.status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", reply.status)
	}
	errObj, ok := reply.body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope: %+v", reply.body)
	}
	if errObj["type"] != "invalid_request_error" {
		t.Fatalf("unexpected error type: %+v", errObj)
	}
}
