// rlmserver - an LLM-as-REPL agent server.
//
// Chat-completion requests drive an iterative agent loop in which a model
// proposes code fragments, a sandboxed interpreter executes them, and the
// outputs feed back to the model until it emits a final answer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rlmserver",
	Short: "rlmserver - LLM-as-REPL agent server",
	Long: `rlmserver serves an OpenAI-compatible chat-completions API backed by
sandboxed REPL workers with per-session interpreter state.

  rlmserver serve    Start the server`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
