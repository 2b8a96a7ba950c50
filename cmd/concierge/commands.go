package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that answers calls.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the concierge voice server",
		Long: `Start the concierge voice server.

The server will:
1. Load configuration from the specified file (or concierge.yaml)
2. Load the tenant directory and watch it for changes
3. Build the transcription, generation and synthesis provider chains
4. Open the call archive when enabled
5. Serve Twilio webhooks, the pipeline endpoint, health and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  concierge serve

  # Start with custom config and debug logging
  concierge serve --config /etc/concierge/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildTenantsCmd creates the "tenants" command group.
func buildTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect tenant directory files",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a tenant file against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsValidate(cmd, args[0])
		},
	}

	var file string
	lookupCmd := &cobra.Command{
		Use:   "lookup <number>",
		Short: "Show the tenant answering a called number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsLookup(cmd, file, args[0])
		},
	}
	lookupCmd.Flags().StringVarP(&file, "file", "f", "tenants.yaml", "Tenant file")

	cmd.AddCommand(validateCmd, lookupCmd)
	return cmd
}

// buildTokenCmd creates the "token" command that signs API bearer tokens.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the pipeline API",
		Long: `Issue a signed bearer token for /v1/pipeline.

The token is signed with api.jwt_secret from the configuration file and
expires after api.token_expiry.`,
		Example: `  concierge token --subject ops-dashboard`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, resolveConfigPath(configPath), subject)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&subject, "subject", "s", "operator",
		"Subject recorded in the token")
	return cmd
}
