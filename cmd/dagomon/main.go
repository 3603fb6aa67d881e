package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dagomon/internal/application/monitoring"
	"github.com/aescanero/dagomon/internal/config"
	"github.com/aescanero/dagomon/pkg/adapters/events/redis"
	"github.com/aescanero/dagomon/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagomon/pkg/api/grpc"
	"github.com/aescanero/dagomon/pkg/api/http"
	"github.com/aescanero/dagomon/pkg/api/relay"
	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dagomon",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Metrics
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := prometheus.NewCollector(registry)

	// Event archive
	var sink ports.EventSink
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		// The archive is optional, so an unreachable Redis only warns
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable, archive writes will be retried", zap.Error(err))
		} else {
			logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		}
		cancel()

		sink = redis.NewStreamsSink(redisClient, redis.StreamsConfig{
			KeyPrefix:    cfg.Redis.StreamPrefix,
			MaxLen:       cfg.Redis.StreamMaxLen,
			Workers:      cfg.Redis.Workers,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
	}

	// Initialize application components
	router := monitoring.NewRouter(sink, metricsCollector, logger)
	manager := monitoring.NewManager(
		monitoring.DefaultFactory{Metrics: metricsCollector, Logger: logger},
		router,
		monitoring.NewValidator(),
		metricsCollector,
		logger,
	)

	// Relay routed envelopes to downstream clients; client messages go upstream
	var hub *relay.Hub
	if cfg.Relay.Enabled {
		hub = relay.NewHub(cfg.Relay.HubConfig(), logger)
		manager.Bus().Subscribe(func(env *message.Envelope) {
			if _, err := hub.Broadcast(env); err != nil {
				logger.Warn("relay broadcast failed", zap.String("message_id", env.ID), zap.Error(err))
			}
		})
		if cfg.Monitor.URL != "" {
			upstream := cfg.Monitor.ConnectionID
			hub.OnMessage(func(env *message.Envelope) {
				manager.SendMessage(upstream, env)
			})
		}
	}

	// Initialize API servers
	grpcServer, err := grpc.NewServer(&grpc.Config{
		Addr:   cfg.GetGRPCAddr(),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	health := monitoring.NewHealthMonitor(manager, metricsCollector, cfg.Monitor.HealthInterval, logger, grpcServer)

	httpServer := http.NewServer(&http.Config{
		Addr:     cfg.GetHTTPAddr(),
		Manager:  manager,
		Health:   health,
		Relay:    hub,
		Gatherer: registry,
		Logger:   logger,
	})

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	// Connect the configured backend
	if cfg.Monitor.URL != "" {
		if err := manager.Subscribe("log", cfg.Monitor.Topics, logEnvelope(logger), nil); err != nil {
			logger.Fatal("failed to subscribe", zap.Error(err))
		}

		err := manager.CreateConnection(context.Background(), cfg.Monitor.ConnectionID, cfg.Monitor.ConnectionConfig(), cfg.Monitor.Fallback)
		if err != nil {
			logger.Error("failed to connect backend",
				zap.String("connection_id", cfg.Monitor.ConnectionID),
				zap.String("url", cfg.Monitor.RedactedURL()),
				zap.Error(err))
		}
	}

	health.Start()

	logger.Info("dagomon started",
		zap.String("http_addr", cfg.GetHTTPAddr()),
		zap.String("grpc_addr", cfg.GetGRPCAddr()),
		zap.Bool("relay_enabled", cfg.Relay.Enabled),
		zap.Bool("archive_enabled", cfg.Redis.Enabled))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	health.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	manager.CloseAllConnections()

	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("event archive close error", zap.Error(err))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("dagomon shut down complete")
}

// logEnvelope returns a handler that logs every routed envelope
func logEnvelope(logger *zap.Logger) monitoring.Handler {
	return func(env *message.Envelope) {
		logger.Info("envelope received",
			zap.String("message_id", env.ID),
			zap.String("type", env.Type),
			zap.String("source", string(env.Source)),
			zap.String("priority", string(env.Priority)))
	}
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
