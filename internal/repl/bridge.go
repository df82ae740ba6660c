package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"go.starlark.net/starlark"

	"github.com/jxucoder/rlmserver/internal/llm"
)

// Size guards for llm_query payloads, in characters (~4 chars/token).
const (
	maxLLMQueryTotalChars   = 480_000
	maxLLMQueryMessageChars = 420_000
)

const recursionDisabledMsg = "Error: recursive queries are disabled"

// installBridges binds llm_query and rlm_query into the namespace. The
// builtins are synchronous from the interpreter's point of view; the
// execution deadline is suspended around the blocking calls.
func (e *Env) installBridges() {
	e.globals["llm_query"] = starlark.NewBuiltin("llm_query", e.builtinLLMQuery)
	e.globals["rlm_query"] = starlark.NewBuiltin("rlm_query", e.builtinRLMQuery)
}

func (e *Env) builtinLLMQuery(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompts starlark.Value
	if err := starlark.UnpackPositionalArgs("llm_query", args, kwargs, 1, &prompts); err != nil {
		return nil, err
	}

	payload := starlarkToGo(prompts)
	if _, ok := payload.([]any); !ok {
		payload = []any{payload}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("TypeError: cannot serialize prompts: %v", err)
	}

	resume := e.pauseDeadline()
	defer resume()
	return starlark.String(e.llmQuery(string(encoded))), nil
}

// ParseLLMPrompt decodes the serialized llm_query payload into messages.
// Bare strings become user messages; malformed payloads fall back to a
// single user message holding the raw payload.
func ParseLLMPrompt(payload string) []llm.Message {
	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return []llm.Message{llm.User(payload)}
	}
	if messages, ok := messagesFromJSON(value); ok {
		return messages
	}
	return []llm.Message{llm.User(payload)}
}

func messagesFromJSON(value any) ([]llm.Message, bool) {
	switch v := value.(type) {
	case []any:
		messages := make([]llm.Message, 0, len(v))
		for _, item := range v {
			switch elem := item.(type) {
			case string:
				messages = append(messages, llm.User(elem))
			case map[string]any:
				message, ok := messageFromMap(elem)
				if !ok {
					return nil, false
				}
				messages = append(messages, message)
			default:
				return nil, false
			}
		}
		return messages, true
	case map[string]any:
		if nested, ok := v["messages"]; ok {
			return messagesFromJSON(nested)
		}
		message, ok := messageFromMap(v)
		if !ok {
			return nil, false
		}
		return []llm.Message{message}, true
	case string:
		return []llm.Message{llm.User(v)}, true
	}
	return nil, false
}

func messageFromMap(m map[string]any) (llm.Message, bool) {
	contentValue, ok := m["content"]
	if !ok {
		return llm.Message{}, false
	}
	content, ok := contentValue.(string)
	if !ok {
		encoded, err := json.Marshal(contentValue)
		if err != nil {
			return llm.Message{}, false
		}
		content = string(encoded)
	}
	role := "user"
	if r, ok := m["role"].(string); ok && r != "" {
		role = r
	}
	return llm.Message{Role: role, Content: content}, true
}

// GuardedQuery enforces the llm_query size limits, then performs the call.
// Errors come back as descriptive strings so REPL code can inspect them
// instead of dying.
func GuardedQuery(ctx context.Context, client llm.Client, payload string) string {
	messages := ParseLLMPrompt(payload)
	total := 0
	for _, message := range messages {
		n := utf8.RuneCountInString(message.Content)
		if n > maxLLMQueryMessageChars {
			return fmt.Sprintf("Error: llm_query message too large (%d chars, max %d)", n, maxLLMQueryMessageChars)
		}
		total += n
	}
	if total > maxLLMQueryTotalChars {
		return fmt.Sprintf("Error: llm_query payload too large (%d chars, max %d)", total, maxLLMQueryTotalChars)
	}
	response, err := client.Completion(ctx, messages)
	if err != nil {
		return fmt.Sprintf("Error making LLM query: %v", err)
	}
	return response
}

func (e *Env) builtinRLMQuery(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query starlark.Value
	var contextArg starlark.Value = starlark.None
	if err := starlark.UnpackArgs("rlm_query", args, kwargs, "query", &query, "context?", &contextArg); err != nil {
		return nil, err
	}
	if e.rlmQuery == nil {
		return starlark.String(recursionDisabledMsg), nil
	}

	resume := e.pauseDeadline()
	defer resume()

	// A batch is a list of items; anything else is a single query. Each
	// item may carry its own context or inherit the caller's.
	if batch, ok := query.(*starlark.List); ok {
		results := make([]starlark.Value, 0, batch.Len())
		for i := 0; i < batch.Len(); i++ {
			itemQuery, itemContext := splitBatchItem(batch.Index(i), contextArg)
			results = append(results, starlark.String(e.runNested(itemQuery, itemContext)))
		}
		return starlark.NewList(results), nil
	}
	return starlark.String(e.runNested(valueStr(query), contextArg)), nil
}

// splitBatchItem accepts either a bare query or a {query, context} mapping.
func splitBatchItem(item starlark.Value, fallback starlark.Value) (string, starlark.Value) {
	if dict, ok := item.(*starlark.Dict); ok {
		queryValue, found, _ := dict.Get(starlark.String("query"))
		if found {
			itemContext := fallback
			if ctxValue, hasCtx, _ := dict.Get(starlark.String("context")); hasCtx {
				itemContext = ctxValue
			}
			return valueStr(queryValue), itemContext
		}
	}
	return valueStr(item), fallback
}

func (e *Env) runNested(query string, contextValue starlark.Value) string {
	contextData := contextFromValue(contextValue, e)
	response, err := e.rlmQuery(query, contextData)
	if err != nil {
		return fmt.Sprintf("Error running recursive query: %v", err)
	}
	return response
}

// contextFromValue converts an interpreter value (or None, meaning the
// caller's `context` global) into ContextData for a nested completion.
func contextFromValue(value starlark.Value, e *Env) ContextData {
	if value == starlark.None || value == nil {
		if inherited, ok := e.globals["context"]; ok {
			value = inherited
		} else {
			empty := ""
			return ContextData{Text: &empty}
		}
	}
	if s, ok := starlark.AsString(value); ok {
		return ContextData{Text: &s}
	}
	encoded, err := json.Marshal(starlarkToGo(value))
	if err != nil {
		text := value.String()
		return ContextData{Text: &text}
	}
	return ContextData{JSON: encoded}
}
