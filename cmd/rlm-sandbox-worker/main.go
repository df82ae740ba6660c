// The sandbox worker hosts one persistent sandboxed interpreter and serves
// run requests over stdio. It is launched by the server, one process per
// session, usually inside a gVisor container.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jxucoder/rlmserver/internal/repl"
	"github.com/jxucoder/rlmserver/internal/worker"
)

func main() {
	config, err := configFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	r, err := repl.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing repl: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	w := worker.New(r)
	if err := w.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func configFromEnv() (repl.Config, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return repl.Config{}, fmt.Errorf("OPENAI_API_KEY is required for the sandbox worker")
	}
	return repl.Config{
		APIKey:           apiKey,
		BaseURL:          envOr("RLM_BASE_URL", "https://api.openai.com/v1"),
		Model:            envOr("RLM_MODEL", "gpt-5"),
		RecursiveModel:   envOr("RLM_RECURSIVE_MODEL", "gpt-5-mini"),
		MaxIterations:    envOrInt("RLM_MAX_ITERATIONS", 20),
		Depth:            envOrInt("RLM_DEPTH", 1),
		EnableLogging:    envOrBool("RLM_ENABLE_LOGGING"),
		DisableRecursive: envOrBool("RLM_DISABLE_RECURSIVE"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
