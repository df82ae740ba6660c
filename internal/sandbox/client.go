// Package sandbox manages worker processes for RLM sessions: launching
// them, speaking the stdio protocol to them, and pooling pre-warmed idle
// handles.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jxucoder/rlmserver/internal/protocol"
)

// maxResponseLineBytes bounds a single worker response line.
const maxResponseLineBytes = 64 * 1024 * 1024

// Handle is a live bidirectional channel to a worker process. A handle is
// owned by exactly one session actor at a time, or by the pool's idle queue.
type Handle interface {
	Run(request protocol.RunRequest) (protocol.RunResult, error)
	Terminate()
	Identifier() string
}

// Client implements Handle over a child process's stdin/stdout.
type Client struct {
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	stdout  *bufio.Scanner
	mu      sync.Mutex
	stopped bool
}

// NewClient pipes the command's stdin/stdout, starts it, and wraps the pipes
// in a client. The command must not have been started or have its stdin or
// stdout set; call Ping to complete the handshake.
func NewClient(cmd *exec.Cmd) (*Client, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox worker missing stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox worker missing stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sandbox worker: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLineBytes)
	return &Client{
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdin),
		stdout: scanner,
	}, nil
}

// Ping performs the liveness handshake.
func (c *Client) Ping() error {
	response, err := c.sendRequest(protocol.Ping())
	if err != nil {
		return err
	}
	switch response.Kind {
	case protocol.KindPong:
		return nil
	case protocol.KindError:
		return fmt.Errorf("%s", response.Message)
	default:
		return fmt.Errorf("unexpected ping response kind %q", response.Kind)
	}
}

// Run sends one run request and waits for its result. Any transport error
// is fatal for the handle: the caller must retire it.
func (c *Client) Run(request protocol.RunRequest) (protocol.RunResult, error) {
	response, err := c.sendRequest(protocol.Run(request))
	if err != nil {
		return protocol.RunResult{}, err
	}
	switch response.Kind {
	case protocol.KindRunResult:
		return *response.Result, nil
	case protocol.KindError:
		return protocol.RunResult{}, fmt.Errorf("%s", response.Message)
	default:
		return protocol.RunResult{}, fmt.Errorf("unexpected run response kind %q", response.Kind)
	}
}

func (c *Client) sendRequest(request protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := json.Marshal(request)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, err := c.stdin.Write(line); err != nil {
		return protocol.Response{}, fmt.Errorf("sandbox worker write failed: %w", err)
	}
	if err := c.stdin.WriteByte('\n'); err != nil {
		return protocol.Response{}, fmt.Errorf("sandbox worker write failed: %w", err)
	}
	if err := c.stdin.Flush(); err != nil {
		return protocol.Response{}, fmt.Errorf("sandbox worker flush failed: %w", err)
	}

	if !c.stdout.Scan() {
		if err := c.stdout.Err(); err != nil {
			return protocol.Response{}, fmt.Errorf("sandbox worker read failed: %w", err)
		}
		return protocol.Response{}, fmt.Errorf("sandbox worker closed stdout")
	}
	var response protocol.Response
	if err := json.Unmarshal(c.stdout.Bytes(), &response); err != nil {
		return protocol.Response{}, fmt.Errorf("sandbox worker invalid response: %w", err)
	}
	return response, nil
}

// Terminate shuts the worker down: a best-effort graceful shutdown request
// followed by kill and reap. Safe to call more than once.
func (c *Client) Terminate() {
	c.mu.Lock()
	alreadyStopped := c.stopped
	c.stopped = true
	c.mu.Unlock()
	if alreadyStopped {
		return
	}

	// Graceful first so the worker can clean its temp dir.
	_, _ = c.sendShutdown()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}

func (c *Client) sendShutdown() (protocol.Response, error) {
	return c.sendRequest(protocol.Shutdown())
}

// Identifier names the handle for logs.
func (c *Client) Identifier() string {
	if c.cmd.Process != nil {
		return fmt.Sprintf("pid:%d", c.cmd.Process.Pid)
	}
	return "pid:unknown"
}
