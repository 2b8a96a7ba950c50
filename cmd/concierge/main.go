// Package main provides the CLI entry point for the concierge voice agent.
//
// Concierge answers phone calls for hotels and similar businesses: it
// transcribes what the caller says, answers with a language model and
// speaks the answer back through Twilio.
//
// # Basic Usage
//
// Start the server:
//
//	concierge serve --config concierge.yaml
//
// Check a tenant file:
//
//	concierge tenants validate tenants.yaml
//	concierge tenants lookup --file tenants.yaml +33100000000
//
// # Environment Variables
//
//   - CONCIERGE_CONFIG: Path to configuration file (default: concierge.yaml)
//
// Any ${VAR} reference inside the configuration file is expanded, which is
// the usual way to pass provider keys.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "concierge.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge - telephone voice agent",
		Long: `Concierge answers inbound phone calls on behalf of a business.

Each caller utterance is transcribed (Deepgram, AssemblyAI, Whisper),
answered by a language model (OpenAI, Anthropic, Gemini) and spoken back
(ElevenLabs, Polly, or Twilio's built-in voice).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTenantsCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the CONCIERGE_CONFIG override to the default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CONCIERGE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
