package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/audit"
	"github.com/search-mcp/search-mcp-go/internal/auth"
	"github.com/search-mcp/search-mcp-go/internal/backend"
	"github.com/search-mcp/search-mcp-go/internal/cache"
	"github.com/search-mcp/search-mcp-go/internal/config"
	"github.com/search-mcp/search-mcp-go/internal/index"
	"github.com/search-mcp/search-mcp-go/internal/logs"
	"github.com/search-mcp/search-mcp-go/internal/ratelimit"
	"github.com/search-mcp/search-mcp-go/internal/server"
	"github.com/search-mcp/search-mcp-go/internal/tokens"
)

var (
	configFile string
	logLevel   string
	logToFile  bool
	logFile    string
	dataDir    string

	version = "1.0.0" // injected by -ldflags during release builds
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "search-mcp",
		Short:   "Aggregating MCP proxy with a searchable, namespaced tool catalog",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Backend configuration file path (default: MCP_CONFIG_PATH or ./config/mcp-servers.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Write diagnostics to a rotated log file instead of stderr only")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (implies --log-to-file)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory for the response cache (default: MCP_DATA_DIR; empty disables caching)")

	rootCmd.AddCommand(newKeygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol, so everything below must keep its
	// diagnostics on stderr or in files.
	cmd.SilenceUsage = true

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	auditor := audit.New(audit.Options{FilePath: cfg.AuditLogFile}, logger)
	defer func() { _ = auditor.Close() }()

	authmgr, err := auth.NewManager(cfg.KeysFile, cfg.AuthEnabled, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(nil, logger)
	defer limiter.Close()

	deps := server.Deps{
		Manager: backend.NewManager(cfg, logger, auditor),
		Limiter: limiter,
		Auth:    authmgr,
		Auditor: auditor,
		Index:   index.New(logger),
		Counter: tokens.NewCounter(logger),
	}
	defer func() { _ = deps.Index.Close() }()

	if cfg.DataDir != "" {
		store, err := cache.Open(cfg.DataDir, logger, cache.Options{Threshold: cfg.CacheThreshold})
		if err != nil {
			logger.Warn("response cache unavailable, truncation disabled", zap.Error(err))
		} else {
			deps.Cache = store
			defer func() { _ = store.Close() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting search-mcp",
		zap.String("version", version),
		zap.Int("backends", len(cfg.Servers)),
		zap.Bool("auth", authmgr.Enabled()))

	srv := server.New(cfg, logger, deps)
	err = srv.Run(ctx, os.Stdin, os.Stdout)
	deps.Manager.StopAll()
	if err != nil {
		logger.Error("server terminated", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// applyFlags folds CLI flags into the loaded configuration. Flags win over
// environment and defaults.
func applyFlags(cfg *config.Config) {
	cfg.Logging.Level = logLevel
	if logFile != "" {
		logToFile = true
		cfg.Logging.Filename = logFile
	}
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
}
