// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tidemark-agent accepts telemetry events from a local producer,
// persists them in a SQLite batch store, and ships them to the
// collection endpoint in order, one batch at a time.
//
// Producers POST events to the ingest listener (default
// 127.0.0.1:8123). A producer about to lose its page POSTs /suspend so
// the agent commits and sends what it holds. SIGTERM and SIGINT do the
// same before the agent exits; SIGHUP commits and sends without
// exiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tidemark/lib/accumulator"
	"github.com/bureau-foundation/tidemark/lib/batchstore"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/compress"
	"github.com/bureau-foundation/tidemark/lib/config"
	"github.com/bureau-foundation/tidemark/lib/flight"
	"github.com/bureau-foundation/tidemark/lib/lifecycle"
	"github.com/bureau-foundation/tidemark/lib/logging"
	"github.com/bureau-foundation/tidemark/lib/process"
	"github.com/bureau-foundation/tidemark/lib/recorder"
	"github.com/bureau-foundation/tidemark/lib/transport"
	"github.com/bureau-foundation/tidemark/lib/upload"
	"github.com/bureau-foundation/tidemark/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

// flags are the command-line overrides applied on top of the config
// file.
type flags struct {
	configPath  string
	endpoint    string
	storePath   string
	session     string
	listen      string
	logLevel    string
	observe     bool
	showVersion bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags
	flagSet := pflag.NewFlagSet("tidemark-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (YAML, or JSON with comments); default $"+config.EnvVar)
	flagSet.StringVar(&f.endpoint, "endpoint", "", "collector base URL (overrides endpoint.base_url)")
	flagSet.StringVar(&f.storePath, "store", "", "batch store file (overrides store.path)")
	flagSet.StringVar(&f.session, "session", "", "record into this session instead of creating one")
	flagSet.StringVar(&f.listen, "listen", "", "ingest listen address (overrides ingest.address)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error (overrides log.level)")
	flagSet.BoolVar(&f.observe, "observe", false, "keep delivered batches until retention.sent_delay has passed")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, flagSet, err
		}
		return nil, flagSet, &process.UsageError{Err: err}
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, &process.UsageError{Err: fmt.Errorf("unexpected arguments: %v", flagSet.Args())}
	}
	return &f, flagSet, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(f *flags, flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.endpoint != "" {
		cfg.Endpoint.BaseURL = f.endpoint
	}
	if f.storePath != "" {
		cfg.Store.Path = f.storePath
	}
	if f.session != "" {
		cfg.Session.ID = f.session
	}
	if f.listen != "" {
		cfg.Ingest.Address = f.listen
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if flagSet.Changed("observe") {
		cfg.Retention.ObserveMode = f.observe
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	f, flagSet, err := parseFlags(args)
	if err != nil {
		return err
	}
	if f.showVersion {
		version.Print(os.Stdout, "tidemark-agent")
		return nil
	}

	cfg, err := loadConfig(f, flagSet)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Environment: string(cfg.Environment),
		Level:       cfg.Log.Level,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.EnsureStoreDir(); err != nil {
		return err
	}

	// Signals are captured before anything slow happens so that an
	// early SIGTERM is not lost.
	signals := lifecycle.NewSignalPort()
	defer signals.Close()

	clk := clock.Real()
	store, err := batchstore.Open(batchstore.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger.Named("store"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	codec, err := compress.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return err
	}
	sender, err := transport.NewHTTPSender(transport.HTTPConfig{
		EventsURL:       cfg.EventsURL(),
		SessionURL:      cfg.SessionURL(),
		Timeout:         cfg.Endpoint.Timeout,
		DegradedTimeout: cfg.Endpoint.DegradedTimeout,
		Gate:            flight.NewGate(),
		Logger:          logger.Named("transport"),
	})
	if err != nil {
		return err
	}

	queue := upload.New(upload.Config{
		ObserveMode:    cfg.Retention.ObserveMode,
		InitialBackoff: cfg.Upload.InitialBackoff,
		MaxBackoff:     cfg.Upload.MaxBackoff,
		SendRate:       cfg.Endpoint.SendRate,
	}, upload.Deps{
		Store:   store,
		Sender:  sender,
		Adapter: compress.New(cfg.Compression.Enabled, codec, logger.Named("compress")),
		Guard:   &flight.Guard{},
		Clock:   clk,
		Logger:  logger.Named("upload"),
	})

	rec, err := recorder.New(recorderConfig(cfg), recorder.Deps{
		Store:       store,
		Queue:       queue,
		ResumeGuard: &flight.Guard{},
		Clock:       clk,
		Logger:      logger.Named("recorder"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := resolveSession(ctx, cfg.Session.ID, sender, logger)
	if err := rec.Start(ctx, sessionID); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Ingest.Address)
	if err != nil {
		stopRecorder(rec, cfg.Shutdown.Timeout, logger)
		return fmt.Errorf("ingest listener: %w", err)
	}

	pagePort := lifecycle.NewManualPort()
	defer pagePort.Close()
	go rec.WatchLifecycle(ctx, pagePort)

	ingest := newIngestHandler(rec, pagePort, int64(cfg.Ingest.MaxBodyBytes), logger.Named("ingest"))
	server := &http.Server{
		Handler:      ingest.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()

	logger.Info("tidemark agent running",
		zap.String("version", version.Current().String()),
		zap.String("session", sessionID),
		zap.String("endpoint", cfg.EventsURL()),
		zap.String("listen", listener.Addr().String()),
		zap.String("store", cfg.Store.Path),
		zap.Bool("observe", cfg.Retention.ObserveMode),
	)

	signalDone := make(chan lifecycle.Reason, 1)
	go func() { signalDone <- rec.WatchLifecycle(ctx, signals) }()

	var serveErr error
	select {
	case reason := <-signalDone:
		logger.Info("shutting down", zap.String("reason", string(reason)))
	case serveErr = <-serveDone:
		logger.Error("ingest server failed", zap.Error(serveErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingest server shutdown", zap.Error(err))
	}
	cancel()

	if err := rec.Stop(shutdownCtx); err != nil {
		logger.Warn("recorder stop", zap.Error(err))
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func recorderConfig(cfg *config.Config) recorder.Config {
	return recorder.Config{
		Buffer: accumulator.Config{
			CountThreshold: cfg.Buffer.CountThreshold,
			ByteThreshold:  cfg.Buffer.ByteThreshold.Int(),
			FlushInterval:  cfg.Buffer.FlushInterval,
		},
		HeartbeatInterval: cfg.Heartbeat.Interval,
		PruneEvery:        cfg.Heartbeat.PruneEvery,
		ObserveMode:       cfg.Retention.ObserveMode,
		SentDelay:         cfg.Retention.SentDelay,
		MaxPendingBatches: cfg.Retention.MaxPendingBatches,
		MaxAge:            cfg.Retention.MaxAge(),
		DegradedMaxBytes:  cfg.Degraded.MaxBytes.Int(),
	}
}

func stopRecorder(rec *recorder.Recorder, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		logger.Warn("recorder stop", zap.Error(err))
	}
}

// sessionCreator is the part of the sender that opens sessions.
type sessionCreator interface {
	CreateSession(ctx context.Context) (string, error)
}

// resolveSession picks the session to record into: the configured
// one, else one the collector creates, else a local random one so that
// events are still captured while the collector is unreachable.
func resolveSession(ctx context.Context, configured string, creator sessionCreator, logger *zap.Logger) string {
	if configured != "" {
		return configured
	}
	sessionID, err := creator.CreateSession(ctx)
	if err == nil && sessionID != "" {
		return sessionID
	}
	sessionID = uuid.NewString()
	logger.Warn("collector did not create a session; using a local ID",
		zap.String("session", sessionID),
		zap.Error(err),
	)
	return sessionID
}
