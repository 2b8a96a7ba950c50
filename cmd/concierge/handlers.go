package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/tenant"
)

// runServe implements the serve command logic.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting concierge",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"capture_mode", cfg.Twilio.CaptureMode,
	)
	for _, warning := range providerWarnings(cfg.ConfiguredProviders()) {
		logger.Warn(warning)
	}
	if !cfg.Twilio.SignaturesEnabled() {
		logger.Warn("twilio webhook signature verification is disabled")
	}
	if cfg.Server.PublicURL == "" {
		logger.Warn("server.public_url is not set; synthesized audio cannot be played and signatures rely on proxy headers")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := a.start(ctx); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}
	logger.Info("concierge started", "addr", a.server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("concierge stopped gracefully")
	return nil
}

// runTenantsValidate checks a tenant file and reports how many tenants it
// defines.
func runTenantsValidate(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	n, err := tenant.Validate(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tenant(s) OK\n", path, n)
	return nil
}

// runTenantsLookup prints the profile that would answer number.
func runTenantsLookup(cmd *cobra.Command, path, number string) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	directory, err := tenant.NewFileDirectory(path, quiet)
	if err != nil {
		return err
	}
	defer directory.Close()

	profile := tenant.NewResolver(directory, quiet).Resolve(cmd.Context(), number)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(profile)
}

// runTokenIssue prints a signed bearer token for the pipeline API.
func runTokenIssue(cmd *cobra.Command, configPath, subject string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.API.JWTSecret == "" {
		return errors.New("api.jwt_secret is not set")
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	token, err := newAPIAuth(cfg.API, quiet).IssueToken(subject)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
