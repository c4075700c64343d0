package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/tumorscan/internal/auth"
	"github.com/example/tumorscan/internal/config"
	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/explain"
	"github.com/example/tumorscan/internal/grpcclient"
	"github.com/example/tumorscan/internal/handlers"
	"github.com/example/tumorscan/internal/logging"
	"github.com/example/tumorscan/internal/ratelimit"
	"github.com/example/tumorscan/internal/repository"
	"github.com/example/tumorscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	predictor, explainerTransport, closeEngine := initEngines(ctx, cfg, logger)
	defer closeEngine()

	var explainer explain.Explainer = explain.NewProcessExplainer(explainerTransport)
	if cfg.Explainer.Provider == config.ProviderOpenAI {
		explainer = explain.NewOpenAIExplainer(explain.OpenAIConfig{
			Model:     cfg.Explainer.Model,
			BaseURL:   cfg.Explainer.BaseURL,
			MaxTokens: cfg.Explainer.MaxTokens,
		}, logger)
	}

	var (
		recorder usecase.Recorder
		metrics  handlers.MetricsReporter
	)
	if cfg.Audit.DatabaseDSN != "" {
		repo := repository.NewInferenceRepository(initDatabase(ctx, cfg.Audit.DatabaseDSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		recorder = repo
		metrics = usecase.NewMetricsUseCase(repo)
	}

	prediction := usecase.NewPredictionUseCase(cfg.Locator(), predictor, recorder, logger)
	analysis := usecase.NewAnalysisUseCase(explainer, cfg.Explainer.APIKey, recorder, logger)

	var protect []gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		protect = append(protect, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	} else {
		logger.Warn("JWT_SECRET not set, engine routes are unauthenticated")
	}

	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	defer stopLimiter()
	if limiter := initLimiter(limiterCtx, cfg.RateLimit, logger); limiter != nil {
		protect = append(protect, ratelimit.Middleware(limiter, logger))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.AccessLog(logger))
	handlers.RegisterRoutes(r, prediction, analysis, handlers.Options{
		Protect:      protect,
		Metrics:      metrics,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("inference gateway listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("engine_transport", cfg.Engine.Transport),
		zap.String("explanation_provider", cfg.Explainer.Provider),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initEngines returns the prediction and explanation transports and a func
// releasing whatever they hold.
func initEngines(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Transport, engine.Transport, func()) {
	if cfg.Engine.Transport != config.TransportGRPC {
		return cfg.Engine.PredictorTransport(logger), cfg.Engine.AnalysisTransport(logger), func() {}
	}

	conn, err := grpcclient.DialEngine(ctx, cfg.Engine.GRPCAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to engine bridge", zap.Error(err), zap.String("addr", cfg.Engine.GRPCAddr))
	}
	return grpcclient.NewTransport(conn, grpcclient.MethodPredict, logger),
		grpcclient.NewTransport(conn, grpcclient.MethodExplain, logger),
		func() { conn.Close() }
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initLimiter returns nil when rate limiting is disabled. Redis backs the
// limiter when REDIS_ADDR is set so replicas share one budget.
func initLimiter(ctx context.Context, cfg config.RateLimitConfig, zapLogger *zap.Logger) ratelimit.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	if cfg.RedisAddr == "" {
		limiter := ratelimit.NewMemoryLimiter(cfg.RequestsPerMinute, time.Minute)
		go limiter.RunCleanup(ctx, time.Minute)
		return limiter
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return ratelimit.NewRedisLimiter(ratelimit.NewRedisCounter(client), cfg.RequestsPerMinute, time.Minute)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

// shutdownSignals returns override when set, otherwise a channel subscribed
// to SIGINT and SIGTERM.
func shutdownSignals(override <-chan os.Signal) (<-chan os.Signal, func()) {
	if override != nil {
		return override, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
