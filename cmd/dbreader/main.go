package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	config "dbreader/configs"
	"dbreader/pkg/coordination"
	"dbreader/pkg/coordination/etcd"
	"dbreader/pkg/coordination/memory"
	"dbreader/pkg/coordination/zookeeper"
	"dbreader/pkg/logger"
	tracing "dbreader/pkg/observability"
	"dbreader/pkg/storage"
	recordmem "dbreader/pkg/storage/memory"
	"dbreader/pkg/storage/postgres"
	"dbreader/pkg/storage/redis"
	"dbreader/pkg/supervisor"
)

func main() {
	cfg := config.LoadConfig()
	instanceID := supervisor.ResolveInstanceID(cfg.InstanceID)
	cfg.InstanceID = instanceID

	logCfg := logger.DefaultConfig("dbreader")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdown []func(context.Context) error

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "dbreader",
		ServiceVersion: "1.0.0",
		InstanceID:     instanceID,
		Endpoint:       cfg.OTelEndpoint,
		Enabled:        cfg.TracingEnabled,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Fatal("Failed to initialise tracing", zap.Error(err))
	}
	shutdown = append(shutdown, tp.Shutdown)

	store, closeStore := openStore(cfg)
	shutdown = append(shutdown, closeStore)

	var publisher storage.Publisher
	if cfg.RedisEnabled {
		stream, err := redis.NewRecordStream(cfg.RedisAddr())
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		publisher = stream
		shutdown = append(shutdown, func(context.Context) error { return stream.Close() })
		logger.Info("Publishing processed records", zap.String("stream", redis.StreamKeyProcessed))
	}

	coordLog := logger.Named("coordination").With(zap.String("instance", instanceID))
	client, err := coordination.Connect(ctx, dialer(cfg, coordLog), coordination.RetryPolicy{
		BaseDelay:  cfg.RetryBaseDelay,
		Multiplier: 2,
		MaxRetries: cfg.RetryMaxAttempts,
	}, coordLog)
	if err != nil {
		logger.Fatal("Failed to connect to coordination service",
			zap.String("backend", cfg.CoordinationBackend),
			zap.Strings("endpoints", cfg.CoordinationEndpoints),
			zap.Error(err))
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:     cfg,
		Client:     client,
		Store:      store,
		Publisher:  publisher,
		Logger:     log,
		Tracer:     tp.Tracer(),
		OnShutdown: shutdown,
	})
	if err != nil {
		client.Close()
		logger.Fatal("Failed to build supervisor", zap.Error(err))
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error("dbreader exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func dialer(cfg *config.Config, log *zap.Logger) coordination.Dialer {
	switch cfg.CoordinationBackend {
	case "etcd":
		return etcd.Dialer(etcd.Config{
			Endpoints:   cfg.CoordinationEndpoints,
			SessionTTL:  int(cfg.SessionTimeout.Seconds()),
			DialTimeout: cfg.ConnectTimeout,
		}, log)
	case "memory":
		logger.Warn("Using in-process coordination; leadership is local to this process")
		return memory.NewService().Dialer()
	case "zookeeper":
		return zookeeper.Dialer(zookeeper.Config{
			Servers:        cfg.CoordinationEndpoints,
			SessionTimeout: cfg.SessionTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
	default:
		logger.Fatal("Unknown coordination backend", zap.String("backend", cfg.CoordinationBackend))
		return nil
	}
}

func openStore(cfg *config.Config) (storage.RecordStore, func(context.Context) error) {
	switch cfg.DBDriver {
	case "memory":
		logger.Warn("Using in-memory record store; records are lost on exit")
		return recordmem.NewRecordStore(), func(context.Context) error { return nil }
	case "postgres":
		store, err := postgres.NewPostgresStore(cfg.PostgresDSN())
		if err != nil {
			logger.Fatal("Failed to initialise storage", zap.Error(err))
		}
		logger.Info("Postgres connected & schema initialised")
		return store, func(context.Context) error { return store.Close() }
	default:
		logger.Fatal("Unknown DB driver", zap.String("driver", cfg.DBDriver))
		return nil, nil
	}
}
