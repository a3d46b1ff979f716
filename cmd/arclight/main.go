// Package main provides the CLI entry point for the Arclight conversation
// engine.
//
// Start the server:
//
//	arclight serve --config arclight.yaml
//
// Configuration can also come from the environment:
//
//   - ARCLIGHT_CONFIG: path to the configuration file
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / HF_API_TOKEN: driver credentials
//   - ARCLIGHT_HTTP_PORT, ARCLIGHT_STORE_PATH, ARCLIGHT_REDIS_ADDR,
//     ARCLIGHT_LOG_LEVEL: server overrides
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arclight",
		Short: "Arclight - agentic conversation engine",
		Long: `Arclight runs multi-turn agent conversations over HTTP: message intake,
LLM turn processing with tool execution, and server-sent event streams.

Supported backends: Ollama, OpenAI, Anthropic, vLLM, Hugging Face.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
