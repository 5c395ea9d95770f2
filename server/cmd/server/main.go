package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/server/internal/api"
	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/retention"
	"github.com/fabrice-guiot/shuttersense/server/internal/scheduler"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	dataDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "shuttersense-server",
		Short: "ShutterSense server — photo collection analysis control plane",
		Long: `ShutterSense server is the control plane of the ShutterSense platform.
It exposes a REST API for operators and worker agents, dispatches analysis
jobs to agents, stores results, and runs retention and schedule sweeps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SSENSE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SSENSE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("SSENSE_DB_DSN", "./shuttersense.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("SSENSE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required, 32 bytes)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("SSENSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("SSENSE_DATA_DIR", "./data"), "Directory for server data (upload staging, RSA keys)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or SSENSE_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return err
	}

	logger.Info("starting shuttersense server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return err
	}
	repos := repositories.New(database)

	tokens, err := buildTokenManager(cfg.dataDir, logger)
	if err != nil {
		return err
	}

	store, err := uploads.NewDiskStore(filepath.Join(cfg.dataDir, "uploads"))
	if err != nil {
		return err
	}
	uploadSvc := uploads.NewService(repos.Uploads, store, logger)

	hub := events.NewHub()
	go hub.Run(ctx)

	disp := dispatcher.New(repos, uploadSvc, hub, logger)
	sweeper := retention.NewSweeper(repos, logger)

	sched, err := scheduler.New(repos, disp, uploadSvc, sweeper, scheduler.Intervals{}, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Repos:      repos,
		Dispatcher: disp,
		Uploads:    uploadSvc,
		Tokens:     tokens,
		Hub:        hub,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down shuttersense server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	return nil
}

// buildTokenManager loads the registration token key pair from the data
// directory when present, otherwise generates an ephemeral pair. Ephemeral
// keys only invalidate outstanding registration tokens on restart; agent
// API keys are unaffected.
func buildTokenManager(dataDir string, logger *zap.Logger) (*auth.TokenManager, error) {
	privPath := filepath.Join(dataDir, "registration_key.pem")
	pubPath := filepath.Join(dataDir, "registration_key.pub.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading registration token keys", zap.String("path", privPath))
		return auth.NewTokenManagerFromFiles(privPath, pubPath, "shuttersense-server")
	}

	logger.Info("generating ephemeral registration token keys")
	return auth.NewTokenManagerGenerated("shuttersense-server")
}

func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
