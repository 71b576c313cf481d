// Command enforcerd runs the enforcement core: the capability token
// service, rule engine, violation and usage reporting, and the /v1
// HTTP surface.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/config"
	"github.com/anumate/enforcement-core/pkg/httpapi"
	"github.com/anumate/enforcement-core/pkg/observability"
	"github.com/anumate/enforcement-core/pkg/policyloader"
	"github.com/anumate/enforcement-core/pkg/replay"
	"github.com/anumate/enforcement-core/pkg/report"
	"github.com/anumate/enforcement-core/pkg/store"
	"github.com/anumate/enforcement-core/pkg/token"
	"github.com/anumate/enforcement-core/pkg/usage"
	"github.com/anumate/enforcement-core/pkg/violation"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("enforcerd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(settings.LogLevel)
	logger.Info("starting enforcerd", "version", version, "env", settings.Environment)

	// Datastore. Without DATABASE_URL we fall back to a local SQLite
	// file, which suits single-node and development runs.
	stores, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	// Observability is enabled by pointing OTEL_EXPORTER_OTLP_ENDPOINT
	// at a collector.
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = string(settings.Environment)
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
		obsCfg.Insecure = !settings.IsProd()
	} else {
		obsCfg.Enabled = false
	}
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	guard := buildReplayGuard(settings.RedisURL, stores, logger)

	keys, err := loadKeySet(logger)
	if err != nil {
		return err
	}

	reporter, err := buildReporter(logger)
	if err != nil {
		return err
	}

	tokens := token.NewService(keys, stores.Tokens(), stores.TokenAudit(), stores.CleanupJobs(), guard,
		token.WithMaxTTL(settings.TokenMaxTTL))
	checker := capability.NewChecker(stores.Rules())
	violations := violation.NewLogger(stores.Violations(), reporter)
	tracker := usage.NewTracker(stores.Usage())

	api := httpapi.NewServer(tokens, checker, stores.Rules(), violations, tracker, stores, version)

	limiter := httpapi.NewRateLimiter(100, 200)
	defer limiter.Close()

	handler := limiter.Middleware(api.Routes())
	handler = httpapi.CORS(settings.AllowedOrigins)(handler)
	handler = httpapi.RestrictHosts(settings.AllowedHosts)(handler)

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           provider.HTTPMiddleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openStore(ctx context.Context, logger *slog.Logger) (*store.SQL, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "data/enforcement.db"
		}
		logger.Info("DATABASE_URL not set, using sqlite", "path", path)
		return store.OpenSQLite(ctx, path)
	}
	logger.Info("connecting to postgres")
	return store.OpenPostgres(ctx, dsn)
}

// buildReplayGuard prefers Redis with the durable table as mirror and
// fallback; without a usable Redis it runs on the datastore alone.
func buildReplayGuard(redisURL string, stores *store.SQL, logger *slog.Logger) replay.Guard {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, replay guard runs on datastore only", "error", err)
		return replay.NewStoreGuard(stores.Replay())
	}
	client := redis.NewClient(opts)
	return replay.NewFallbackGuard(replay.NewRedisGuard(client), stores.Replay())
}

// buildReporter creates the violation reporter and, when
// ALERT_RULES_DIR is set, applies every enabled alert-rule bundle
// found there.
func buildReporter(logger *slog.Logger) (*report.Reporter, error) {
	reporter, err := report.NewReporter()
	if err != nil {
		return nil, fmt.Errorf("init violation reporter: %w", err)
	}
	dir := os.Getenv("ALERT_RULES_DIR")
	if dir == "" {
		return reporter, nil
	}
	loader := policyloader.NewLoader(dir)
	if err := loader.LoadAll(); err != nil {
		return nil, err
	}
	if err := loader.Apply(reporter); err != nil {
		return nil, err
	}
	logger.Info("alert rule bundles loaded", "dir", dir, "bundles", len(loader.AllBundles()))
	return reporter, nil
}

// loadKeySet reads the hex-encoded 32-byte master seed. Without one,
// signing keys are random per process and tokens do not survive a
// restart.
func loadKeySet(logger *slog.Logger) (*token.DerivedKeySet, error) {
	var seed []byte
	if raw := os.Getenv("CAPTOKEN_MASTER_SEED"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("CAPTOKEN_MASTER_SEED must be hex: %w", err)
		}
		seed = decoded
	} else {
		logger.Warn("CAPTOKEN_MASTER_SEED not set, issued tokens will not survive a restart")
	}
	return token.NewDerivedKeySet(seed)
}
