// Package worker implements the sandbox worker's request loop: it reads
// newline-delimited JSON requests from stdin, drives the embedded REPL, and
// writes exactly one response per request to stdout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jxucoder/rlmserver/internal/protocol"
	"github.com/jxucoder/rlmserver/internal/repl"
)

// maxLineBytes bounds a single request line; context payloads are MiB-scale.
const maxLineBytes = 64 * 1024 * 1024

// Worker serves the stdio protocol against one Repl.
type Worker struct {
	repl *repl.Repl
}

// New creates a worker around the given Repl.
func New(r *repl.Repl) *Worker {
	return &Worker{repl: r}
}

// Serve processes requests until shutdown or EOF. Blank lines are skipped;
// invalid JSON elicits a single error response and the loop continues.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var request protocol.Request
		if err := json.Unmarshal([]byte(line), &request); err != nil {
			if err := emit(writer, protocol.Error(fmt.Sprintf("invalid request: %v", err))); err != nil {
				return err
			}
			continue
		}

		switch request.Kind {
		case protocol.KindPing:
			if err := emit(writer, protocol.Pong()); err != nil {
				return err
			}
		case protocol.KindShutdown:
			if err := emit(writer, protocol.Ack()); err != nil {
				return err
			}
			return nil
		case protocol.KindRun:
			response := w.handleRun(ctx, request.Run)
			if err := emit(writer, response); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// handleRun dispatches a run request per the initialize/code matrix.
func (w *Worker) handleRun(ctx context.Context, request *protocol.RunRequest) protocol.Response {
	query := request.Query
	if query == "" {
		query = repl.DefaultQuery
	}

	if request.Initialize {
		contextData := repl.ContextFromRaw(request.Context)
		if request.Code != "" {
			if err := w.repl.SetupContext(contextData, query); err != nil {
				return protocol.Error(err.Error())
			}
			return w.execute(request.Code)
		}
		response, err := w.repl.Completion(ctx, contextData, query)
		if err != nil {
			return protocol.Error(err.Error())
		}
		return protocol.ResultOf(protocol.RunResult{Response: &response})
	}

	if request.Code != "" {
		return w.execute(request.Code)
	}

	response, err := w.repl.CompletionWithExisting(ctx, query)
	if err != nil {
		return protocol.Error(err.Error())
	}
	return protocol.ResultOf(protocol.RunResult{Response: &response})
}

func (w *Worker) execute(code string) protocol.Response {
	result, err := w.repl.ExecuteCode(code)
	if err != nil {
		return protocol.Error(err.Error())
	}
	return protocol.ResultOf(protocol.RunResult{
		Stdout: &result.Stdout,
		Stderr: &result.Stderr,
	})
}

func emit(writer *bufio.Writer, response protocol.Response) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return writer.Flush()
}
