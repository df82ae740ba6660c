package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jxucoder/rlmserver/internal/protocol"
	"github.com/jxucoder/rlmserver/internal/sandbox"
)

// fakeHandle echoes requests back and can be told to fail.
type fakeHandle struct {
	id string

	mu         sync.Mutex
	runs       []protocol.RunRequest
	failNext   bool
	terminated bool
	inFlight   int32
	maxFlight  int32
	delay      time.Duration
}

func (f *fakeHandle) Run(request protocol.RunRequest) (protocol.RunResult, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.runs = append(f.runs, request)
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return protocol.RunResult{}, fmt.Errorf("worker exploded")
	}
	response := fmt.Sprintf("%s:init=%v:%s", f.id, request.Initialize, request.Query)
	return protocol.RunResult{Response: &response}, nil
}

func (f *fakeHandle) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeHandle) Identifier() string { return f.id }

func (f *fakeHandle) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeLauncher struct {
	mu      sync.Mutex
	count   int
	handles []*fakeHandle
	delay   time.Duration
}

func (f *fakeLauncher) Launch() (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	handle := &fakeHandle{id: fmt.Sprintf("w%d", f.count), delay: f.delay}
	f.handles = append(f.handles, handle)
	return handle, nil
}

func (f *fakeLauncher) handleFor(response string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, handle := range f.handles {
		if strings.HasPrefix(response, handle.id+":") {
			return handle
		}
	}
	return nil
}

func spawnTestManager(t *testing.T, config Config) (*Manager, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	manager, err := Spawn(config, launcher)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, launcher
}

func dispatch(t *testing.T, m *Manager, sessionID, query string, reset bool) chan Result {
	t.Helper()
	respondTo := make(chan Result, 1)
	if err := m.TryDispatch(Request{
		SessionID: sessionID,
		Reset:     reset,
		Query:     query,
		Context:   json.RawMessage(`"ctx"`),
		RespondTo: respondTo,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return respondTo
}

func await(t *testing.T, respondTo chan Result) Result {
	t.Helper()
	select {
	case result := <-respondTo:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session response")
		return Result{}
	}
}

func defaultConfig() Config {
	return Config{MaxSessions: 4, IngressCapacity: 16, SandboxPoolSize: 1}
}

func TestFirstTurnInitializesSecondDoesNot(t *testing.T) {
	manager, _ := spawnTestManager(t, defaultConfig())

	first := await(t, dispatch(t, manager, "s1", "q1", false))
	if first.Err != nil {
		t.Fatalf("first turn: %v", first.Err)
	}
	if !strings.Contains(*first.Response.Response, "init=true") {
		t.Fatalf("first turn should initialize: %q", *first.Response.Response)
	}

	second := await(t, dispatch(t, manager, "s1", "q2", false))
	if second.Err != nil {
		t.Fatalf("second turn: %v", second.Err)
	}
	if !strings.Contains(*second.Response.Response, "init=false") {
		t.Fatalf("second turn must reuse the initialized worker: %q", *second.Response.Response)
	}
}

func TestPerSessionFIFO(t *testing.T) {
	manager, _ := spawnTestManager(t, Config{MaxSessions: 2, IngressCapacity: 64, SandboxPoolSize: 1})

	const turns = 10
	channels := make([]chan Result, 0, turns)
	for i := 0; i < turns; i++ {
		channels = append(channels, dispatch(t, manager, "fifo", fmt.Sprintf("q%02d", i), false))
	}
	for i, respondTo := range channels {
		result := await(t, respondTo)
		if result.Err != nil {
			t.Fatalf("turn %d: %v", i, result.Err)
		}
		if want := fmt.Sprintf("q%02d", i); !strings.HasSuffix(*result.Response.Response, want) {
			t.Fatalf("turn %d out of order: %q", i, *result.Response.Response)
		}
	}
}

func TestAtMostOneRunInFlightPerSession(t *testing.T) {
	launcher := &fakeLauncher{delay: 20 * time.Millisecond}
	manager, err := Spawn(Config{MaxSessions: 2, IngressCapacity: 64, SandboxPoolSize: 1}, launcher)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer manager.Close()

	channels := make([]chan Result, 0, 8)
	for i := 0; i < 8; i++ {
		channels = append(channels, dispatch(t, manager, "serial", "q", false))
	}
	var last Result
	for _, respondTo := range channels {
		last = await(t, respondTo)
	}
	if last.Err != nil {
		t.Fatalf("final turn: %v", last.Err)
	}
	handle := launcher.handleFor(*last.Response.Response)
	if handle == nil {
		t.Fatal("could not locate serving handle")
	}
	if max := atomic.LoadInt32(&handle.maxFlight); max > 1 {
		t.Fatalf("worker saw %d concurrent runs", max)
	}
}

func TestIngressBackpressure(t *testing.T) {
	launcher := &fakeLauncher{delay: 200 * time.Millisecond}
	manager, err := Spawn(Config{MaxSessions: 4, IngressCapacity: 1, SandboxPoolSize: 1}, launcher)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer manager.Close()

	// Saturate one session: one turn in flight, one queued; further turns
	// must bounce either at the ingress queue or at the actor queue.
	var accepted []chan Result
	sawOverload := false
	for i := 0; i < 5; i++ {
		respondTo := make(chan Result, 1)
		err := manager.TryDispatch(Request{
			SessionID: "a",
			Query:     fmt.Sprintf("q%d", i),
			Context:   json.RawMessage(`"ctx"`),
			RespondTo: respondTo,
		})
		if err != nil {
			if err.Kind != ErrOverloaded {
				t.Fatalf("expected overloaded, got %v", err)
			}
			if !strings.Contains(err.Message, "queue") {
				t.Fatalf("overload message should mention the queue: %q", err.Message)
			}
			sawOverload = true
			continue
		}
		accepted = append(accepted, respondTo)
	}
	for _, respondTo := range accepted {
		result := await(t, respondTo)
		if result.Err != nil {
			if result.Err.Kind != ErrOverloaded {
				t.Fatalf("expected overloaded result, got %+v", result.Err)
			}
			if !strings.Contains(result.Err.Message, "queue") {
				t.Fatalf("overload message should mention the queue: %q", result.Err.Message)
			}
			sawOverload = true
		}
	}
	if !sawOverload {
		t.Fatal("expected at least one overloaded turn")
	}
}

func TestLRUEvictionOfIdleSessions(t *testing.T) {
	manager, _ := spawnTestManager(t, Config{MaxSessions: 2, IngressCapacity: 16, SandboxPoolSize: 1})

	await(t, dispatch(t, manager, "old", "q", false))
	await(t, dispatch(t, manager, "young", "q", false))

	// Admitting a third session must evict the oldest idle one.
	result := await(t, dispatch(t, manager, "new", "q", false))
	if result.Err != nil {
		t.Fatalf("admission: %v", result.Err)
	}

	// A new turn for the evicted session re-initializes from scratch.
	revived := await(t, dispatch(t, manager, "old", "q", false))
	if revived.Err != nil {
		t.Fatalf("revived turn: %v", revived.Err)
	}
	if !strings.Contains(*revived.Response.Response, "init=true") {
		t.Fatalf("evicted session should start fresh: %q", *revived.Response.Response)
	}
}

func TestNoEvictableSessionMeansOverloaded(t *testing.T) {
	launcher := &fakeLauncher{delay: 300 * time.Millisecond}
	manager, err := Spawn(Config{MaxSessions: 1, IngressCapacity: 16, SandboxPoolSize: 1}, launcher)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer manager.Close()

	busy := dispatch(t, manager, "busy", "q", false)
	// While the only session is busy, a new session cannot be admitted.
	time.Sleep(50 * time.Millisecond)
	result := await(t, dispatch(t, manager, "other", "q", false))
	if result.Err == nil || result.Err.Kind != ErrOverloaded {
		t.Fatalf("expected overloaded admission, got %+v", result)
	}
	await(t, busy)
}

func TestResetRetiresHandleAndReinitializes(t *testing.T) {
	manager, launcher := spawnTestManager(t, defaultConfig())

	first := await(t, dispatch(t, manager, "s", "q1", false))
	firstHandle := launcher.handleFor(*first.Response.Response)
	if firstHandle == nil {
		t.Fatal("could not locate first handle")
	}

	reset := await(t, dispatch(t, manager, "s", "q2", true))
	if reset.Err != nil {
		t.Fatalf("reset turn: %v", reset.Err)
	}
	if !strings.Contains(*reset.Response.Response, "init=true") {
		t.Fatalf("reset turn must reinitialize: %q", *reset.Response.Response)
	}
	resetHandle := launcher.handleFor(*reset.Response.Response)
	if resetHandle == firstHandle {
		t.Fatal("reset must acquire a fresh worker")
	}

	firstHandle.mu.Lock()
	terminated := firstHandle.terminated
	firstHandle.mu.Unlock()
	if !terminated {
		t.Fatal("old handle must be terminated on reset")
	}
}

func TestResetIdempotence(t *testing.T) {
	manager, _ := spawnTestManager(t, defaultConfig())

	await(t, dispatch(t, manager, "s", "q1", false))
	once := await(t, dispatch(t, manager, "s", "q2", true))
	twice := await(t, dispatch(t, manager, "s", "q3", true))
	if once.Err != nil || twice.Err != nil {
		t.Fatalf("reset turns failed: %+v %+v", once.Err, twice.Err)
	}
	// Both reset turns observe the same state: a freshly initialized worker.
	if !strings.Contains(*once.Response.Response, "init=true") ||
		!strings.Contains(*twice.Response.Response, "init=true") {
		t.Fatalf("resets must be idempotent: %q %q",
			*once.Response.Response, *twice.Response.Response)
	}
}

func TestWorkerFailureRetiresHandleButKeepsSession(t *testing.T) {
	manager, launcher := spawnTestManager(t, defaultConfig())

	first := await(t, dispatch(t, manager, "s", "q1", false))
	handle := launcher.handleFor(*first.Response.Response)
	handle.mu.Lock()
	handle.failNext = true
	handle.mu.Unlock()

	failed := await(t, dispatch(t, manager, "s", "q2", false))
	if failed.Err == nil || failed.Err.Kind != ErrInternal {
		t.Fatalf("expected internal error, got %+v", failed)
	}

	// The same session id recovers on the next turn with a fresh worker.
	recovered := await(t, dispatch(t, manager, "s", "q3", false))
	if recovered.Err != nil {
		t.Fatalf("recovery turn: %v", recovered.Err)
	}
	if !strings.Contains(*recovered.Response.Response, "init=true") {
		t.Fatalf("recovery must reinitialize: %q", *recovered.Response.Response)
	}

	// Broker.Retire is fire-and-forget, so termination may still be pending
	// when the failure response arrives. The recovery turn's acquire is
	// served by the same broker goroutine after the retire, so by now the
	// failed handle has been terminated.
	handle.mu.Lock()
	terminated := handle.terminated
	handle.mu.Unlock()
	if !terminated {
		t.Fatal("failed handle must be retired")
	}
}

func TestDispatchAfterCloseIsInternal(t *testing.T) {
	launcher := &fakeLauncher{}
	manager, err := Spawn(defaultConfig(), launcher)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	manager.Close()
	dispatchErr := manager.TryDispatch(Request{SessionID: "s", RespondTo: make(chan Result, 1)})
	if dispatchErr == nil || dispatchErr.Kind != ErrInternal {
		t.Fatalf("expected internal error after close, got %v", dispatchErr)
	}
}
