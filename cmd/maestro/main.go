package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduitworks/maestro/internal/logging"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Run DAG workflows of LLM, tool, agent, and human-approval tasks",
	Long: `maestro executes workflow definitions: directed acyclic graphs of
tasks whose outputs flow into downstream inputs through templates.

Task types:
  llm    chat completion against an OpenAI-compatible API
  tool   tool call against an MCP server
  agent  HTTP POST to an agent endpoint
  hitl   human-in-the-loop approval gate

Examples:
  maestro serve
  maestro run pipeline.yaml
  maestro validate pipeline.yaml
  maestro status 4f7c2a31-...`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
