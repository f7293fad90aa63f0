package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/api"
	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"github.com/butterr12/iskomunidad-guard/internal/chread"
	"github.com/butterr12/iskomunidad-guard/internal/config"
	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/engine"
	"github.com/butterr12/iskomunidad-guard/internal/guard"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/butterr12/iskomunidad-guard/internal/realtime"
	"github.com/butterr12/iskomunidad-guard/internal/server"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"github.com/butterr12/iskomunidad-guard/internal/store"
	"github.com/butterr12/iskomunidad-guard/internal/telemetry"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "iskomunidad-guard"

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if err := run(cfg, logger); err != nil {
		logger.Fatal("guard server failed", zap.Error(err))
	}
	logger.Info("guard server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting guard server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("clickhouse", cfg.ClickHouseDSN != ""),
		zap.Int("kafka_brokers", len(cfg.KafkaBrokers)),
	)

	metrics.MustRegister(serviceName)

	shutdownTracing, err := telemetry.Init(ctx, serviceName, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	// Postgres: sessions, users, conversation participants.
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	pg := store.NewStore(db)
	if err := pg.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	// Redis is optional: shared counters and cross-instance room fan-out.
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, counters will fall back per process", zap.Error(err))
		}
	}

	var counters counter.Store
	if rdb != nil {
		counters = counter.NewRedisStore(rdb, "", logger)
		logger.Info("redis counter store enabled")
	} else {
		counters = counter.NewMemoryStore()
		logger.Info("no REDIS_ADDR set, using in-process counters")
	}
	defer func() { _ = counters.Close() }()
	switch s := counters.(type) {
	case *counter.MemoryStore:
		s.StartSweeper(cfg.SweepInterval)
	case *counter.RedisStore:
		s.StartSweeper(cfg.SweepInterval)
	}

	policy, err := engine.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	eng := engine.NewRuleEngine(counters, policy, logger)
	logger.Info("guard policy loaded",
		zap.String("path", cfg.PolicyFile),
		zap.String("mode", policy.Mode.String()),
		zap.Int("actions", len(policy.Actions)),
	)

	// Event sinks. The memory log is always on so operator queries work
	// without ClickHouse.
	memLog := storage.NewMemoryLog(cfg.MemoryLogSize)
	writers := []storage.EventWriter{memLog}
	var reader storage.EventReader = memLog
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, events stay in memory", zap.Error(err))
		} else {
			writers = append(writers, chWriter)
			logger.Info("clickhouse writer connected")
			chReader, err := chread.NewReader(cfg.ClickHouseDSN, logger)
			if err != nil {
				logger.Warn("clickhouse reader connection failed", zap.Error(err))
			} else {
				defer func() { _ = chReader.Close() }()
				reader = chReader
			}
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		kw, err := storage.NewKafkaWriter(storage.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			logger.Warn("kafka writer disabled", zap.Error(err))
		} else {
			writers = append(writers, kw)
			logger.Info("kafka writer enabled", zap.String("topic", cfg.KafkaTopic))
		}
	}
	if cfg.LogLevel == "debug" {
		writers = append(writers, storage.NewLogWriter(logger))
	}
	writer := storage.NewMultiWriter(writers...)
	defer writer.Close()

	resolver, err := identity.NewResolver([]byte(cfg.IdentitySecret))
	if err != nil {
		return fmt.Errorf("identity resolver: %w", err)
	}
	guardSvc := guard.NewService(resolver, eng, writer, logger)
	verifier := auth.NewServiceKeyVerifier(cfg.APIKeyHash, cfg.KeyCacheTTL)
	if verifier.Disabled() {
		logger.Warn("GUARD_API_KEY_HASH not set, service endpoints are unauthenticated")
	}

	// Realtime transport.
	var rooms realtime.Broadcaster = realtime.NewLocalRooms()
	if rdb != nil {
		rr, err := realtime.NewRedisRooms(ctx, rdb, cfg.RoomsChannel, logger)
		if err != nil {
			logger.Warn("redis room fan-out unavailable, rooms are per process", zap.Error(err))
		} else {
			rooms = rr
		}
	}
	defer func() { _ = rooms.Close() }()
	rt := realtime.NewServer(
		auth.NewSessionGate(pg, logger),
		pg,
		rooms,
		realtime.Options{OriginPatterns: cfg.WSAllowedOrigins},
		logger,
	)

	deps := &api.Dependencies{
		Guard:         guardSvc,
		Reader:        reader,
		Realtime:      rt,
		Verifier:      verifier,
		PolicyPath:    cfg.PolicyFile,
		CORSOrigins:   cfg.CORSOrigins,
		OperatorRPM:   cfg.OperatorRPM,
		DeviceCookie:  cfg.DeviceCookie,
		SecureCookies: cfg.SecureCookies,
		Ready:         pg.Ping,
		Logger:        logger,
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer, health := server.New(guardSvc, verifier, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if cfg.PolicyFile != "" && cfg.WatchPolicy {
		g.Go(func() error {
			if err := eng.WatchPolicy(gctx, cfg.PolicyFile); err != nil {
				logger.Warn("policy watch stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		health.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
