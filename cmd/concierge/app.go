package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/cache"
	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/calllog"
	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/cron"
	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/media/store"
	"github.com/haasonsaas/concierge/internal/media/transcribe"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/reply"
	"github.com/haasonsaas/concierge/internal/server"
	"github.com/haasonsaas/concierge/internal/sessions"
	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/tts"
	"github.com/haasonsaas/concierge/internal/turn"
	"github.com/haasonsaas/concierge/internal/voice"
)

// app holds every long-lived component of a running server.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	directory    *tenant.FileDirectory
	orchestrator *call.Orchestrator
	archive      calllog.Archive
	scheduler    *cron.Scheduler
	server       *server.Server

	closers []func(context.Context) error
}

// buildApp wires the components described by cfg. Nothing is started.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.close(context.Background())
		}
	}()

	metrics := observability.NewMetrics(reg)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "concierge",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	a.closers = append(a.closers, shutdownTracer)

	directory, err := tenant.NewFileDirectory(cfg.Tenants.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("tenant directory: %w", err)
	}
	a.directory = directory
	a.closers = append(a.closers, func(context.Context) error { return directory.Close() })
	resolver := tenant.NewResolver(directory, logger, tenant.WithFailureHook(func(error) {
		metrics.RecordRecovered(call.StageTenantLookupFailed)
	}))

	client := &http.Client{Timeout: 30 * time.Second}

	fetcher := audio.NewFetcher(audio.FetcherConfig{
		AccountSID:   cfg.Twilio.AccountSID,
		AuthToken:    cfg.Twilio.AuthToken,
		MinBytes:     cfg.Audio.MinBytes,
		Timeout:      cfg.Audio.FetchTimeout,
		Attempts:     cfg.Audio.FetchAttempts,
		AllowedHosts: cfg.Audio.AllowedHosts,
		HTTPClient:   client,
		Logger:       logger,
	})

	transcriber := transcribe.NewRouter(transcribe.RouterConfig{
		Providers:     transcribe.ProvidersFromConfig(cfg.Transcription, client, logger),
		Timeout:       cfg.Transcription.Timeout,
		MinConfidence: cfg.Transcription.MinConfidence,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})

	generator := reply.NewGenerator(reply.GeneratorConfig{
		Providers:   reply.ProvidersFromConfig(ctx, cfg.Generation, client, logger),
		Timeout:     cfg.Generation.Timeout,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
	})

	voices := tts.VoiceTableFromConfig(cfg.Synthesis.Voices)
	synthesizer := tts.NewSynthesizer(tts.SynthesizerConfig{
		Providers:  tts.ProvidersFromConfig(ctx, cfg.Synthesis, client, logger),
		Voices:     voices,
		Transcoder: audio.NewTranscoder(),
		Timeout:    cfg.Synthesis.Timeout,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})

	media, disk, err := openMediaStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var archiver call.Archiver
	if cfg.CallLog.Enabled {
		archive, err := calllog.Open(ctx, cfg.CallLog.Driver, cfg.CallLog.DSN)
		if err != nil {
			return nil, fmt.Errorf("call log: %w", err)
		}
		a.archive = archive
		archiver = archive
		a.closers = append(a.closers, func(context.Context) error { return archive.Close() })
		if err := archive.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("call log migrate: %w", err)
		}
	}

	sessionStore := sessions.NewStore(sessions.Config{
		TTL:             cfg.Sessions.TTL,
		TerminatedGrace: cfg.Sessions.TerminatedGrace,
		LockTimeout:     cfg.Sessions.LockTimeout,
	})

	a.orchestrator = call.NewOrchestrator(call.Config{
		Resolver:      resolver,
		Fetcher:       fetcher,
		Transcriber:   transcriber,
		Generator:     generator,
		Synthesizer:   synthesizer,
		Policy:        turn.FromConfig(cfg.Policy),
		Sessions:      sessionStore,
		Voices:        voices,
		Media:         media,
		Archive:       archiver,
		Dedupe:        cache.NewDedupeCache[call.Reply](cache.DedupeCacheOptions{TTL: cfg.Sessions.TTL, MaxSize: 10000}),
		TurnDeadline:  cfg.TurnDeadline,
		MinConfidence: cfg.Transcription.MinConfidence,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})

	a.scheduler, err = buildScheduler(a, logger)
	if err != nil {
		return nil, err
	}

	provider := voice.NewTwilioProvider(voice.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		HTTPClient: client,
	})
	webhooks, err := voice.NewHandler(voice.HandlerConfig{
		Orchestrator:     a.orchestrator,
		Provider:         provider,
		VerifySignatures: cfg.Twilio.SignaturesEnabled(),
		DeleteRecordings: cfg.Twilio.DeleteRecordings,
		PublicURL:        cfg.Server.PublicURL,
		CaptureMode:      voice.CaptureMode(cfg.Twilio.CaptureMode),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	apiAuth := newAPIAuth(cfg.API, logger)
	a.server, err = server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.HTTPPort,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Version:           version,
		Providers:         cfg.ConfiguredProviders(),
		Pipeline:          a.orchestrator,
		Calls:             a.orchestrator,
		Webhooks:          webhooks,
		Auth:              apiAuth,
		Media:             disk,
		Metrics:           metrics,
		Gatherer:          reg,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openMediaStore returns the configured store and, for the disk backend,
// the same store typed so the server can serve its files.
func openMediaStore(ctx context.Context, cfg *config.Config) (store.Store, *store.DiskStore, error) {
	switch cfg.Media.Backend {
	case "s3":
		s3 := cfg.Media.S3
		st, err := store.NewS3Store(ctx, store.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Prefix:          s3.Prefix,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
			PresignTTL:      s3.PresignTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("media store: %w", err)
		}
		return st, nil, nil
	default:
		base := cfg.Media.PublicBaseURL
		if base == "" {
			// Twilio cannot fetch audio without a public URL; replies fall
			// back to the built-in voice.
			return nil, nil, nil
		}
		disk, err := store.NewDiskStore(cfg.Media.Dir, base)
		if err != nil {
			return nil, nil, fmt.Errorf("media store: %w", err)
		}
		return disk, disk, nil
	}
}

// buildScheduler registers the housekeeping jobs.
func buildScheduler(a *app, logger *slog.Logger) (*cron.Scheduler, error) {
	s := cron.NewScheduler(cron.WithLogger(logger))
	if err := s.Add("session-sweep", a.cfg.Sessions.SweepSchedule, func(context.Context) error {
		if n := a.orchestrator.Sweep(time.Now()); n > 0 {
			logger.Info("sessions swept", "evicted", n)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if a.archive != nil && a.cfg.CallLog.Retention > 0 {
		retention := a.cfg.CallLog.Retention
		if err := s.Add("calllog-purge", a.cfg.CallLog.PurgeSchedule, func(ctx context.Context) error {
			n, err := a.archive.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			logger.Info("call log purged", "deleted", n)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// start launches the background pieces and the HTTP listener.
func (a *app) start(ctx context.Context) error {
	if a.cfg.Tenants.Watch {
		if err := a.directory.Watch(ctx); err != nil {
			a.logger.Warn("tenant directory watch disabled", "error", err)
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	return a.server.Start(ctx)
}

// close stops everything in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop(ctx))
	}
	if a.orchestrator != nil {
		// Archive whatever is still in memory before the database closes.
		a.orchestrator.Sweep(time.Now().Add(100 * 365 * 24 * time.Hour))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// providerWarnings lists capabilities with no configured provider. The
// built-in fallbacks keep calls working, so these are warnings only.
func providerWarnings(providers map[string]map[string]bool) []string {
	var out []string
	for capability, byName := range providers {
		configured := false
		for _, ok := range byName {
			configured = configured || ok
		}
		if !configured {
			names := make([]string, 0, len(byName))
			for name := range byName {
				names = append(names, name)
			}
			sort.Strings(names)
			out = append(out, fmt.Sprintf("no %s provider configured (%s)", capability, strings.Join(names, ", ")))
		}
	}
	sort.Strings(out)
	return out
}

func newAPIAuth(cfg config.APIConfig, logger *slog.Logger) *auth.Service {
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     cfg.APIKeys,
		Logger:      logger,
	})
}
