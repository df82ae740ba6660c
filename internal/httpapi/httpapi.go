// Package httpapi provides the HTTP API for the RLM server: a health
// endpoint and an OpenAI-compatible chat-completions endpoint that
// translates requests into session turns.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jxucoder/rlmserver/internal/repl"
	"github.com/jxucoder/rlmserver/internal/session"
	"github.com/jxucoder/rlmserver/internal/translog"
)

const (
	// maxSessionIDLen bounds the transported session id.
	maxSessionIDLen = 64
	// maxInputStringBytes caps a single message's content.
	maxInputStringBytes = 10_485_760
	// maxBodyBytes caps the request body.
	maxBodyBytes = 11 * 1024 * 1024
	// requestTimeout bounds one chat-completion turn end to end.
	requestTimeout = 1800 * time.Second

	sessionIDHeader = "X-RLM-Session-Id"
	resetHeader     = "X-RLM-Reset"
	sessionCookie   = "rlm_session"
)

// Dispatcher enqueues session turns without blocking.
type Dispatcher interface {
	TryDispatch(request session.Request) *session.Error
}

// Handler is the RLM HTTP API.
type Handler struct {
	dispatcher Dispatcher
	model      string
	limiter    chan struct{}
	store      *translog.Store // nil unless logging is enabled
	router     chi.Router
}

// New creates the API handler. store may be nil.
func New(dispatcher Dispatcher, model string, maxInflight int, store *translog.Store) *Handler {
	if maxInflight < 1 {
		maxInflight = 1
	}
	h := &Handler{
		dispatcher: dispatcher,
		model:      model,
		limiter:    make(chan struct{}, maxInflight),
		store:      store,
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(h.concurrencyLimit)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/chat/completions", h.handleChatCompletions)
	return r
}

// requestLogger prints one line per request and one per response.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("request: %s %s", r.Method, r.URL.Path)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Printf("response: %s %s status=%d latency_ms=%d",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Milliseconds())
	})
}

// concurrencyLimit caps concurrent handlers; excess requests wait until a
// slot frees or the client gives up.
func (h *Handler) concurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case h.limiter <- struct{}{}:
			defer func() { <-h.limiter }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
		}
	})
}

// --- Request/Response types ---

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatCompletionsRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    *string       `json:"model"`
	Stream   *bool         `json:"stream"`
	Reset    *bool         `json:"reset"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      assistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
}

// --- Handler ---

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	if req.Stream != nil && *req.Stream {
		writeError(w, http.StatusBadRequest, "stream=true unsupported; use stream=false", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages required", "invalid_request_error")
		return
	}
	if status, msg, ok := validateMessages(req.Messages); !ok {
		writeError(w, status, msg, "invalid_request_error")
		return
	}

	model := h.model
	if req.Model != nil {
		model = *req.Model
	}
	if model != h.model {
		writeError(w, http.StatusBadRequest,
			"model override unsupported; expected "+h.model, "invalid_request_error")
		return
	}

	sessionID, ok := h.resolveSessionID(w, r)
	if !ok {
		return
	}
	reset := req.Reset != nil && *req.Reset
	if headerReset, err := boolHeader(r, resetHeader); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	} else {
		reset = reset || headerReset
	}

	query := queryFromMessages(req.Messages)
	contextRaw, err := contextFromMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding context", "server_error")
		return
	}

	start := time.Now()
	respondTo := make(chan session.Result, 1)
	if dispatchErr := h.dispatcher.TryDispatch(session.Request{
		SessionID: sessionID,
		Reset:     reset,
		Query:     query,
		Context:   contextRaw,
		RespondTo: respondTo,
	}); dispatchErr != nil {
		h.writeSessionError(w, dispatchErr)
		h.record(sessionID, reset, query, "", dispatchErr.Message, start)
		return
	}

	var result session.Result
	select {
	case result = <-respondTo:
	case <-time.After(requestTimeout):
		writeError(w, http.StatusRequestTimeout, "request timed out", "server_error")
		h.record(sessionID, reset, query, "", "request timed out", start)
		return
	case <-r.Context().Done():
		return
	}

	if result.Err != nil {
		h.writeSessionError(w, result.Err)
		h.record(sessionID, reset, query, "", result.Err.Message, start)
		return
	}
	if result.Response == nil || result.Response.Response == nil {
		writeError(w, http.StatusInternalServerError, "missing assistant response", "server_error")
		h.record(sessionID, reset, query, "", "missing assistant response", start)
		return
	}
	content := *result.Response.Response

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(sessionIDHeader, sessionID)
	writeJSON(w, http.StatusOK, chatCompletionsResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      assistantMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	})
	h.record(sessionID, reset, query, content, "", start)
}

func (h *Handler) record(sessionID string, reset bool, query, response, errMsg string, start time.Time) {
	if h.store == nil {
		return
	}
	turn := &translog.Turn{
		SessionID: sessionID,
		Reset:     reset,
		Query:     query,
		Response:  response,
		Error:     errMsg,
		LatencyMS: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AddTurn(turn); err != nil {
		log.Printf("transcript: recording turn: %v", err)
	}
}

// resolveSessionID applies the precedence header > cookie > fresh UUID. An
// invalid header is a client error; an invalid cookie is silently ignored.
func (h *Handler) resolveSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if raw := r.Header.Get(sessionIDHeader); raw != "" {
		if id, ok := validateSessionID(raw); ok {
			return id, true
		}
		writeError(w, http.StatusBadRequest, "invalid "+strings.ToLower(sessionIDHeader)+" header", "invalid_request_error")
		return "", false
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if id, ok := validateSessionID(cookie.Value); ok {
			return id, true
		}
	}
	return uuid.New().String(), true
}

func validateSessionID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, `"'`)
	if value == "" || len(value) > maxSessionIDLen {
		return "", false
	}
	for i := 0; i < len(value); i++ {
		if value[i] > 127 {
			return "", false
		}
	}
	if _, err := uuid.Parse(value); err != nil {
		return "", false
	}
	return value, true
}

func boolHeader(r *http.Request, name string) (bool, error) {
	value := strings.TrimSpace(r.Header.Get(name))
	if value == "" {
		return false, nil
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.New("invalid boolean header " + strings.ToLower(name))
}

func validateMessages(messages []chatMessage) (int, string, bool) {
	for i, message := range messages {
		if strings.TrimSpace(message.Role) == "" {
			return http.StatusBadRequest, fmt.Sprintf("messages[%d].role required", i), false
		}
		if len(messageText(message)) > maxInputStringBytes {
			return http.StatusRequestEntityTooLarge,
				fmt.Sprintf("messages[%d].content too large; max %d bytes", i, maxInputStringBytes), false
		}
	}
	return 0, "", true
}

// messageText extracts a message's content as plain text: strings decode,
// null is empty, and anything else keeps its JSON rendering.
func messageText(message chatMessage) string {
	raw := message.Content
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// queryFromMessages picks the last non-empty user message, then the last
// non-empty message of any role, then the default query.
func queryFromMessages(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if text := messageText(messages[i]); text != "" {
				return text
			}
		}
	}
	if text := messageText(messages[len(messages)-1]); text != "" {
		return text
	}
	return repl.DefaultQuery
}

// contextFromMessages re-encodes the full messages array as the session
// context, contents preserved.
func contextFromMessages(messages []chatMessage) (json.RawMessage, error) {
	type contextMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	out := make([]contextMessage, 0, len(messages))
	for _, message := range messages {
		content := message.Content
		if len(content) == 0 {
			content = json.RawMessage("null")
		}
		out = append(out, contextMessage{Role: message.Role, Content: content})
	}
	return json.Marshal(out)
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err *session.Error) {
	status := http.StatusInternalServerError
	if err.Kind == session.ErrOverloaded {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Message, "server_error")
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message, Type: errType}})
}

