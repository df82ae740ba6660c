// Package rlmserver is an LLM-as-REPL agent server.
//
// The server accepts OpenAI-compatible chat-completion requests and, for
// each request, runs an iterative agent loop inside a sandboxed worker
// process: the model proposes code fragments, an embedded interpreter
// executes them against per-session persistent state, and the outputs feed
// back to the model until it emits a FINAL(...) or FINAL_VAR(...) marker.
//
// Layout:
//
//	cmd/rlmserver           the server CLI
//	cmd/rlm-sandbox-worker  the per-session worker binary
//	internal/httpapi        OpenAI-compatible ingress
//	internal/session        session manager, actors, LRU eviction
//	internal/sandbox        worker handles, launchers, pre-warm pool
//	internal/protocol       newline-delimited JSON worker protocol
//	internal/repl           agent loop, interpreter, safety shim
//	internal/worker         worker-side request loop
//	internal/llm            chat-completions client
//	internal/translog       optional transcript store
package rlmserver
