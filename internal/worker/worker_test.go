package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jxucoder/rlmserver/internal/llm"
	"github.com/jxucoder/rlmserver/internal/protocol"
	"github.com/jxucoder/rlmserver/internal/repl"
)

type scriptedLLM struct {
	responses []string
	last      []llm.Message
}

func (s *scriptedLLM) Completion(_ context.Context, messages []llm.Message) (string, error) {
	s.last = append([]llm.Message(nil), messages...)
	if len(s.responses) == 0 {
		return "FINAL(out of script)", nil
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

func serve(t *testing.T, model *scriptedLLM, input string) []protocol.Response {
	t.Helper()
	r := repl.NewWithClients(repl.Config{
		Model: "gpt-5", RecursiveModel: "gpt-5-mini", MaxIterations: 3,
	}, model, model)
	t.Cleanup(r.Close)

	var out bytes.Buffer
	w := New(r)
	if err := w.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var responses []protocol.Response
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var response protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
			t.Fatalf("decoding response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, response)
	}
	return responses
}

func TestPingPong(t *testing.T) {
	responses := serve(t, &scriptedLLM{}, `{"kind":"ping"}`+"\n")
	if len(responses) != 1 || responses[0].Kind != protocol.KindPong {
		t.Fatalf("unexpected responses: %+v", responses)
	}
}

func TestShutdownAcksAndExits(t *testing.T) {
	input := `{"kind":"shutdown"}` + "\n" + `{"kind":"ping"}` + "\n"
	responses := serve(t, &scriptedLLM{}, input)
	if len(responses) != 1 || responses[0].Kind != protocol.KindAck {
		t.Fatalf("expected single ack, got %+v", responses)
	}
}

func TestBlankLinesIgnoredAndInvalidJSONReported(t *testing.T) {
	input := "\n   \nnot json\n" + `{"kind":"ping"}` + "\n"
	responses := serve(t, &scriptedLLM{}, input)
	if len(responses) != 2 {
		t.Fatalf("expected error + pong, got %+v", responses)
	}
	if responses[0].Kind != protocol.KindError || !strings.Contains(responses[0].Message, "invalid request") {
		t.Fatalf("unexpected first response: %+v", responses[0])
	}
	if responses[1].Kind != protocol.KindPong {
		t.Fatalf("worker did not continue after bad line: %+v", responses[1])
	}
}

func TestRunInitializeWithCode(t *testing.T) {
	request, _ := json.Marshal(protocol.Run(protocol.RunRequest{
		Initialize: true,
		Query:      "q",
		Context:    json.RawMessage(`"some text"`),
		Code:       `print(context)`,
	}))
	responses := serve(t, &scriptedLLM{}, string(request)+"\n")
	if len(responses) != 1 || responses[0].Kind != protocol.KindRunResult {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	result := responses[0].Result
	if result.Stdout == nil || *result.Stdout != "some text\n" {
		t.Fatalf("unexpected stdout: %+v", result)
	}
	if result.Response != nil {
		t.Fatalf("code runs must not produce a response field: %+v", result)
	}
}

func TestRunInitializeCompletion(t *testing.T) {
	model := &scriptedLLM{responses: []string{"FINAL(done here)"}}
	request, _ := json.Marshal(protocol.Run(protocol.RunRequest{
		Initialize: true,
		Query:      "what?",
		Context:    json.RawMessage(`"ctx"`),
	}))
	responses := serve(t, model, string(request)+"\n")
	if len(responses) != 1 || responses[0].Kind != protocol.KindRunResult {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	if responses[0].Result.Response == nil || *responses[0].Result.Response != "done here" {
		t.Fatalf("unexpected result: %+v", responses[0].Result)
	}
}

func TestRunSequencePreservesInterpreter(t *testing.T) {
	model := &scriptedLLM{responses: []string{"FINAL(first)", "FINAL_VAR(saved)"}}
	init, _ := json.Marshal(protocol.Run(protocol.RunRequest{
		Initialize: true, Query: "q1", Context: json.RawMessage(`"ctx"`),
	}))
	code, _ := json.Marshal(protocol.Run(protocol.RunRequest{
		Code: `saved = "sticky"`,
	}))
	resume, _ := json.Marshal(protocol.Run(protocol.RunRequest{Query: "q2"}))

	responses := serve(t, model, string(init)+"\n"+string(code)+"\n"+string(resume)+"\n")
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %+v", responses)
	}
	last := responses[2]
	if last.Kind != protocol.KindRunResult || last.Result.Response == nil || *last.Result.Response != "sticky" {
		t.Fatalf("interpreter state lost across runs: %+v", last)
	}
}

func TestRunWithoutInitializeBeforeInitFails(t *testing.T) {
	request, _ := json.Marshal(protocol.Run(protocol.RunRequest{Code: "x = 1"}))
	responses := serve(t, &scriptedLLM{}, string(request)+"\n")
	if len(responses) != 1 || responses[0].Kind != protocol.KindError {
		t.Fatalf("expected protocol error, got %+v", responses)
	}
}

func TestEmptyQueryUsesDefault(t *testing.T) {
	model := &scriptedLLM{responses: []string{"FINAL(ok)"}}
	request, _ := json.Marshal(protocol.Run(protocol.RunRequest{
		Initialize: true, Context: json.RawMessage(`"ctx"`),
	}))
	responses := serve(t, model, string(request)+"\n")
	if len(responses) != 1 || responses[0].Kind != protocol.KindRunResult {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	if len(model.last) == 0 || !strings.Contains(model.last[len(model.last)-1].Content, repl.DefaultQuery) {
		t.Fatalf("prompt does not carry the default query: %+v", model.last)
	}
}
