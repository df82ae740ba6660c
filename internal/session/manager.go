// Package session implements the session manager: a message-passing
// scheduler that binds pooled sandbox workers to logical sessions, enforces
// an LRU cap on live sessions, and guarantees at most one in-flight
// operation per session.
package session

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/jxucoder/rlmserver/internal/protocol"
	"github.com/jxucoder/rlmserver/internal/sandbox"
)

// ErrorKind classifies session errors for the ingress layer.
type ErrorKind int

const (
	// ErrOverloaded maps to 503: queue full or session cap reached.
	ErrOverloaded ErrorKind = iota
	// ErrInternal maps to 500: worker or channel failure.
	ErrInternal
)

// Error is a session-level failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func overloaded(message string) *Error { return &Error{Kind: ErrOverloaded, Message: message} }
func internal(message string) *Error   { return &Error{Kind: ErrInternal, Message: message} }

// Response is the outcome of one session turn.
type Response struct {
	Response *string
	Stdout   *string
	Stderr   *string
}

// Result pairs a response with its error; exactly one side is set.
type Result struct {
	Response *Response
	Err      *Error
}

// Request is one turn for a session. RespondTo must be buffered (capacity 1)
// so actors never block on delivery.
type Request struct {
	SessionID string
	Reset     bool
	Query     string
	Context   json.RawMessage
	Code      string
	RespondTo chan Result
}

// Config sizes the manager.
type Config struct {
	MaxSessions     int
	IngressCapacity int
	SandboxPoolSize int
}

// State is a session actor's observable state.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateResetPending
)

// Manager accepts turns through a bounded queue and dispatches them to
// per-session actors. All bookkeeping lives on the manager goroutine.
type Manager struct {
	requests chan Request
	closed   atomic.Bool
}

// Spawn builds the sandbox pool (strict initial fill), starts the pool
// broker and the manager goroutine, and returns the dispatch handle.
func Spawn(config Config, launcher sandbox.Launcher) (*Manager, error) {
	pool, err := sandbox.NewPool(launcher, config.SandboxPoolSize)
	if err != nil {
		return nil, err
	}
	broker := sandbox.NewBroker(pool)

	capacity := config.IngressCapacity
	if capacity < 1 {
		capacity = 1
	}
	maxSessions := config.MaxSessions
	if maxSessions < 1 {
		maxSessions = 1
	}

	m := &Manager{requests: make(chan Request, capacity)}
	finished := make(chan string, capacity+maxSessions)
	go m.run(maxSessions, capacity, finished, broker)
	return m, nil
}

// TryDispatch enqueues a turn without blocking. A full queue means the
// server is overloaded; a closed manager is an internal failure.
func (m *Manager) TryDispatch(request Request) (err *Error) {
	if m.closed.Load() {
		return internal("session manager unavailable")
	}
	// Close may race the send; a send on the closed channel surfaces here
	// as the same unavailable error rather than a crash.
	defer func() {
		if recover() != nil {
			err = internal("session manager unavailable")
		}
	}()
	select {
	case m.requests <- request:
		return nil
	default:
		return overloaded("request queue is full; retry later")
	}
}

// Close stops accepting work and shuts down all actors. In-flight turns
// complete first.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.requests)
	}
}

type actorEntry struct {
	requests chan actorRequest
	pending  int
	state    State
}

type actorRequest struct {
	reset     bool
	query     string
	context   json.RawMessage
	code      string
	respondTo chan Result
}

func (m *Manager) run(maxSessions, ingressCapacity int, finished chan string, broker *sandbox.Broker) {
	actors := make(map[string]*actorEntry, maxSessions)
	idleLRU := make([]string, 0, maxSessions)
	idleIndex := make(map[string]bool, maxSessions)

	for request := range m.requests {
		drainFinished(finished, actors, &idleLRU, idleIndex, 4096)

		entry, ok := actors[request.SessionID]
		if !ok {
			if !evictUntilCapacity(actors, &idleLRU, idleIndex, maxSessions) {
				respond(request.RespondTo, Result{Err: overloaded(
					"max sessions reached; no idle session available")})
				continue
			}
			entry = &actorEntry{requests: make(chan actorRequest, ingressCapacity)}
			actors[request.SessionID] = entry
			go runActor(request.SessionID, entry.requests, finished, broker)
		}

		delete(idleIndex, request.SessionID)
		entry.pending++
		if request.Reset {
			entry.state = StateResetPending
		} else {
			entry.state = StateBusy
		}

		select {
		case entry.requests <- actorRequest{
			reset:     request.Reset,
			query:     request.Query,
			context:   request.Context,
			code:      request.Code,
			respondTo: request.RespondTo,
		}:
		default:
			// The actor queue is as deep as the ingress queue, so this
			// only fires when a single session absorbs the entire ingress
			// capacity.
			respond(request.RespondTo, Result{Err: overloaded(
				"session queue is full; retry later")})
			entry.pending--
		}

		drainFinished(finished, actors, &idleLRU, idleIndex, 512)
	}

	for _, entry := range actors {
		close(entry.requests)
	}
}

func respond(respondTo chan Result, result Result) {
	select {
	case respondTo <- result:
	default:
		log.Printf("session: dropping response; caller gone")
	}
}

func drainFinished(finished chan string, actors map[string]*actorEntry, idleLRU *[]string, idleIndex map[string]bool, maxBatch int) {
	for drained := 0; drained < maxBatch; drained++ {
		select {
		case sessionID := <-finished:
			entry, ok := actors[sessionID]
			if !ok {
				continue
			}
			if entry.pending > 0 {
				entry.pending--
			}
			if entry.pending == 0 {
				entry.state = StateIdle
				if !idleIndex[sessionID] {
					idleIndex[sessionID] = true
					*idleLRU = append(*idleLRU, sessionID)
				}
			} else {
				entry.state = StateBusy
			}
		default:
			return
		}
	}
}

func evictUntilCapacity(actors map[string]*actorEntry, idleLRU *[]string, idleIndex map[string]bool, maxSessions int) bool {
	for len(actors) >= maxSessions {
		if !evictOldestIdleActor(actors, idleLRU, idleIndex) {
			return false
		}
	}
	return true
}

// evictOldestIdleActor pops LRU entries, skipping stale tombstones, until it
// finds a session that is present, idle, and safe to drop.
func evictOldestIdleActor(actors map[string]*actorEntry, idleLRU *[]string, idleIndex map[string]bool) bool {
	for len(*idleLRU) > 0 {
		sessionID := (*idleLRU)[0]
		*idleLRU = (*idleLRU)[1:]
		if !idleIndex[sessionID] {
			continue
		}
		delete(idleIndex, sessionID)
		entry, ok := actors[sessionID]
		if !ok || entry.pending != 0 {
			continue
		}
		close(entry.requests)
		delete(actors, sessionID)
		return true
	}
	return false
}

// runActor owns one session: at most one sandbox handle, strictly serial
// turns, and a finished token per turn back to the manager.
func runActor(sessionID string, requests chan actorRequest, finished chan<- string, broker *sandbox.Broker) {
	var handle sandbox.Handle
	initialized := false

	for request := range requests {
		runActorRequest(broker, &handle, &initialized, request)
		finished <- sessionID
	}

	if handle != nil {
		broker.Retire(handle)
	}
}

func runActorRequest(broker *sandbox.Broker, handle *sandbox.Handle, initialized *bool, request actorRequest) {
	if request.reset && *handle != nil {
		broker.Retire(*handle)
		*handle = nil
		*initialized = false
	}

	if *handle == nil {
		acquired, err := broker.Acquire()
		if err != nil {
			respond(request.respondTo, Result{Err: internal(err.Error())})
			return
		}
		*handle = acquired
		*initialized = false
	}

	initialize := !*initialized
	result, err := (*handle).Run(protocol.RunRequest{
		Initialize: initialize,
		Query:      request.query,
		Context:    request.context,
		Code:       request.code,
	})
	if err != nil {
		// The handle is unusable after any transport error; the session
		// entry survives so the next turn re-acquires a fresh worker.
		broker.Retire(*handle)
		*handle = nil
		*initialized = false
		respond(request.respondTo, Result{Err: internal(err.Error())})
		return
	}

	if initialize {
		*initialized = true
	}
	respond(request.respondTo, Result{Response: &Response{
		Response: result.Response,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}})
}
