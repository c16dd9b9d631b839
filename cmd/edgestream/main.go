package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/edgestream/internal/capture"
	"github.com/your-org/edgestream/internal/enrich"
	"github.com/your-org/edgestream/internal/notify"
	"github.com/your-org/edgestream/internal/ops"
	"github.com/your-org/edgestream/internal/pipeline"
	"github.com/your-org/edgestream/internal/spool"
	"github.com/your-org/edgestream/internal/streaming"
	"github.com/your-org/edgestream/internal/telemetry"
	"github.com/your-org/edgestream/pkg/config"
	"github.com/your-org/edgestream/pkg/kafka"
	"github.com/your-org/edgestream/pkg/logger"
	"github.com/your-org/edgestream/pkg/storage/objectstore"
	"github.com/your-org/edgestream/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Name, cfg.App.Version)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:     cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		ResourceAttr: cfg.Tracing.ResourceAttr,
		ServiceName:  cfg.App.Name,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	client, err := streaming.NewClient(streaming.ClientConfig{
		Credential: streaming.CredentialConfig{
			Account:        cfg.Snowflake.Account,
			User:           cfg.Snowflake.User,
			Method:         streaming.AuthMethod(cfg.Snowflake.AuthMethod),
			PrivateKeyPath: cfg.Snowflake.PrivateKeyPath,
			PublicKeyFP:    cfg.Snowflake.PublicKeyFingerprint,
			JWTLifetime:    cfg.Snowflake.JWTLifetime,
			PAT:            cfg.Snowflake.PAT,
		},
		Target: streaming.Target{
			Database: cfg.Snowflake.Database,
			Schema:   cfg.Snowflake.Schema,
			Pipe:     cfg.Snowflake.Pipe,
			Table:    cfg.Snowflake.Table,
			Channel:  cfg.Snowflake.Channel,
		},
		Schema:       telemetry.TableSchema(),
		ControlHost:  cfg.Snowflake.ControlHost,
		DiscoverHost: cfg.Snowflake.DiscoverHost,
		RefreshSkew:  cfg.Snowflake.TokenRefreshSkew,
		Coordinator: streaming.CoordinatorConfig{
			MaxAttempts:    cfg.Batch.MaxAttempts,
			MaxAuthRetries: cfg.Batch.MaxAuthRetries,
			InitialBackoff: cfg.Batch.InitialBackoff,
			MaxBackoff:     cfg.Batch.MaxBackoff,
		},
		RequestTimeout:  cfg.Snowflake.RequestTimeout,
		MaxRequestBytes: cfg.Batch.MaxRequestBytes,
		MaxRowsBytes:    cfg.Batch.MaxRowsBytes,
		Logger:          logr,
	})
	if err != nil {
		logr.Fatal("init streaming client", zap.Error(err))
	}

	logr.Info("connecting ingestion channel",
		zap.String("account", cfg.Snowflake.Account),
		zap.String("channel", cfg.Snowflake.Channel))
	if err := client.Connect(ctx); err != nil {
		logr.Fatal("connect ingestion channel", zap.Error(err))
	}

	var frameStore objectstore.Client
	if cfg.Capture.Enabled && cfg.Capture.ArchiveFrames {
		frameStore, err = objectstore.New(objectstore.Config{
			Provider:  cfg.Storage.Provider,
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logr.Fatal("init frame archive", zap.Error(err))
		}
	}

	var batchSpool *spool.Spool
	if cfg.Spool.Enabled {
		batchSpool, err = spool.Open(cfg.Spool.Path, logr)
		if err != nil {
			logr.Fatal("open batch spool", zap.Error(err))
		}
		defer batchSpool.Close() //nolint:errcheck
	}

	var external chan streaming.Record
	if cfg.Kafka.Enabled {
		external = make(chan streaming.Record, 256)
		source := kafka.NewSource(kafka.SourceConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			MaxWait:  cfg.Kafka.MaxWait,
			MaxBytes: cfg.Kafka.MaxBytes,
		}, logr)
		defer source.Close() //nolint:errcheck
		go func() {
			if err := source.Run(ctx, external); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("kafka source stopped", zap.Error(err))
			}
		}()
	}

	pl := pipeline.New(pipeline.Config{
		BatchSize:    cfg.Batch.Size,
		Interval:     cfg.Batch.Interval,
		VerifyCommit: cfg.Batch.VerifyCommit,
	}, pipeline.Params{
		Client:    client,
		Collector: telemetry.NewCollector(cfg.Batch.DiskPath, logr),
		Enricher: enrich.New(enrich.Config{
			Enabled:          cfg.Ollama.Enabled,
			BaseURL:          cfg.Ollama.BaseURL,
			Model:            cfg.Ollama.Model,
			PromptTemplate:   cfg.Ollama.PromptTemplate,
			ImagePrompt:      cfg.Ollama.ImagePrompt,
			MaxResponseChars: cfg.Ollama.MaxResponseChars,
			Timeout:          cfg.Ollama.Timeout,
			ImageTimeout:     cfg.Ollama.ImageTimeout,
		}, logr),
		Capturer: capture.New(capture.Config{
			Enabled:        cfg.Capture.Enabled,
			Command:        cfg.Capture.Command,
			OutputDir:      cfg.Capture.OutputDir,
			FilenamePrefix: cfg.Capture.FilenamePrefix,
			Timeout:        cfg.Capture.Timeout,
			Archive:        frameStore,
		}, logr),
		Notifier: notify.New(notify.Config{
			Enabled:       cfg.Slack.Enabled,
			BotToken:      cfg.Slack.BotToken,
			Channel:       cfg.Slack.Channel,
			MessagePrefix: cfg.Slack.MessagePrefix,
		}, logr),
		Spool:           batchSpool,
		ExternalRecords: external,
		Logger:          logr,
	})

	if cfg.Ops.Addr != "" {
		go ops.Serve(ctx, cfg.Ops.Addr, ops.NewHandler(client, pl, logr), logr)
	}

	logr.Info("edgestream agent running",
		zap.Int("batch_size", cfg.Batch.Size),
		zap.Duration("interval", cfg.Batch.Interval))
	if err := pl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("pipeline stopped", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client.Close(closeCtx)
	logr.Info("edgestream agent stopped")
}
