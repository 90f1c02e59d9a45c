// Package main wires together the research pipeline service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/api"
	"github.com/archivegrove/sourcepipe/internal/assembler"
	"github.com/archivegrove/sourcepipe/internal/clock/system"
	"github.com/archivegrove/sourcepipe/internal/config"
	"github.com/archivegrove/sourcepipe/internal/connector/academic"
	"github.com/archivegrove/sourcepipe/internal/connector/archive"
	"github.com/archivegrove/sourcepipe/internal/connector/fetch"
	"github.com/archivegrove/sourcepipe/internal/connector/web"
	"github.com/archivegrove/sourcepipe/internal/dedup"
	"github.com/archivegrove/sourcepipe/internal/enrich"
	genaienrich "github.com/archivegrove/sourcepipe/internal/enrich/genai"
	"github.com/archivegrove/sourcepipe/internal/extract"
	"github.com/archivegrove/sourcepipe/internal/hash/sha256"
	"github.com/archivegrove/sourcepipe/internal/id/uuid"
	"github.com/archivegrove/sourcepipe/internal/logging"
	"github.com/archivegrove/sourcepipe/internal/progress"
	"github.com/archivegrove/sourcepipe/internal/progress/sinks"
	pubsubpublisher "github.com/archivegrove/sourcepipe/internal/publisher/pubsub"
	"github.com/archivegrove/sourcepipe/internal/ratelimit"
	"github.com/archivegrove/sourcepipe/internal/research"
	"github.com/archivegrove/sourcepipe/internal/scheduler"
	"github.com/archivegrove/sourcepipe/internal/storage/gcs"
	"github.com/archivegrove/sourcepipe/internal/storage/local"
	"github.com/archivegrove/sourcepipe/internal/storage/memory"
	"github.com/archivegrove/sourcepipe/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states, closeStates, err := buildStateStore(ctx, cfg)
	if err != nil {
		logger.Fatal("state store init failed", zap.Error(err))
	}
	defer closeStates()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	var publisher research.Publisher
	completionTopic := ""
	if cfg.PubSub.Enabled {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
		publisher = pubsubpublisher.New(client)
		completionTopic = cfg.PubSub.TopicName
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	collectors, closeFetchers, err := buildCollectors(cfg, logger)
	if err != nil {
		logger.Fatal("connector init failed", zap.Error(err))
	}
	defer closeFetchers()

	var enricher research.Enricher = enrich.NewNoop()
	if cfg.Enrich.Enabled {
		enricher, err = genaienrich.New(ctx, genaienrich.Config{
			APIKey: cfg.Enrich.APIKey,
			Model:  cfg.Enrich.Model,
		})
		if err != nil {
			logger.Fatal("enricher init failed", zap.Error(err))
		}
	}

	sched, err := scheduler.New(
		scheduler.Config{
			MaxConcurrentTasks:       cfg.Pipeline.MaxConcurrentTasks,
			QueryDeadline:            cfg.QueryDeadline(),
			DefaultMaxSources:        cfg.Pipeline.DefaultMaxSources,
			MinConfidence:            cfg.Pipeline.MinConfidence,
			AllowUnspecifiedLanguage: cfg.Pipeline.AllowUnspecifiedLanguage,
			CompletionTopic:          completionTopic,
			EnrichTimeout:            cfg.EnrichTimeout(),
			ArtifactPrefix:           cfg.Storage.Prefix,
		},
		scheduler.Deps{
			Collectors: collectors,
			Deduper:    dedup.New(dedup.Config{}, sha256.New(), dedup.NewScorer(dedup.DefaultScoreConfig())),
			Assembler:  assembler.New(enricher, logger.Named("assembler")),
			Limiter: ratelimit.New(ratelimit.Config{
				RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
				Burst:             cfg.RateLimit.Burst,
				BaseBackoff:       time.Duration(cfg.RateLimit.BaseBackoffMs) * time.Millisecond,
				MaxBackoff:        time.Duration(cfg.RateLimit.MaxBackoffMs) * time.Millisecond,
			}),
			Retry: research.NewRetryPolicy(
				cfg.Retry.MaxAttempts,
				time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond,
				time.Duration(cfg.Retry.MaxDelayMs)*time.Millisecond,
			),
			States:    states,
			Blobs:     blobs,
			Publisher: publisher,
			Emitter:   hub,
			Clock:     system.New(),
			IDs:       uuid.New(),
			Logger:    logger.Named("scheduler"),
		},
	)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}

	apiOpts := api.Options{Gatherer: registry}
	if cfg.Auth.Enabled {
		apiOpts.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(sched, logger.Named("api"), apiOpts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStateStore(ctx context.Context, cfg config.Config) (research.StateStore, func(), error) {
	switch cfg.Storage.StateBackend {
	case "postgres":
		store, err := postgres.NewStateStore(ctx, postgres.StateStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres state store: %w", err)
		}
		return store, store.Close, nil
	default:
		return memory.NewStateStore(), func() {}, nil
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (research.BlobStore, error) {
	switch cfg.Storage.BlobBackend {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func buildCollectors(cfg config.Config, logger *zap.Logger) ([]research.Collector, func(), error) {
	var (
		collectors []research.Collector
		closers    []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Connectors.Archive.Enabled {
		var extractor research.Extractor
		if cfg.Connectors.Archive.ExtractURL != "" {
			client, err := extract.NewClient(extract.Config{BaseURL: cfg.Connectors.Archive.ExtractURL})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("extraction client: %w", err)
			}
			extractor = client
		}
		collectors = append(collectors, archive.New(archive.Config{
			BaseURL:   cfg.Connectors.Archive.BaseURL,
			PageSize:  cfg.Connectors.Archive.PageSize,
			Extractor: extractor,
		}, logger.Named("archive")))
	}

	if cfg.Connectors.Academic.Enabled {
		fetcher := fetch.NewColly(fetch.CollyConfig{
			UserAgent: cfg.Connectors.Academic.UserAgent,
			Timeout:   30 * time.Second,
		})
		conn, err := academic.New(academic.Config{
			BaseURL:    cfg.Connectors.Academic.BaseURL,
			SearchPath: cfg.Connectors.Academic.SearchPath,
		}, fetcher, logger.Named("academic"))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("academic connector: %w", err)
		}
		collectors = append(collectors, conn)
	}

	if cfg.Connectors.Web.Enabled {
		fetcher := fetch.NewColly(fetch.CollyConfig{
			UserAgent: cfg.Connectors.Web.UserAgent,
			Timeout:   30 * time.Second,
		})
		var headless fetch.Fetcher
		if cfg.Headless.Enabled {
			hf, err := fetch.NewHeadless(fetch.HeadlessConfig{
				MaxParallel:       cfg.Headless.MaxParallel,
				UserAgent:         cfg.Connectors.Web.UserAgent,
				NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			})
			if err != nil {
				logger.Warn("headless fetcher init failed, continuing without promotion", zap.Error(err))
			} else {
				headless = hf
				closers = append(closers, hf.Close)
			}
		}
		conn, err := web.New(web.Config{
			PageURLs: cfg.Connectors.Web.PageURLs,
		}, fetcher, headless, fetch.NewDetector(0), logger.Named("web"))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("web connector: %w", err)
		}
		collectors = append(collectors, conn)
	}

	return collectors, closeAll, nil
}
