package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robotpdf/devkeys/internal/config"
	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Server command flags
var (
	serverListenAddr   string
	serverDatabasePath string
	serverLogLevel     string
	serverLogFile      string
	serverConfigPath   string
	debugMode          bool
	shutdownTimeout    time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the credential service",
	Long:  `Start the HTTP server for the metered tool API, self-service key management and the admin developer API.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverListenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	serverCmd.Flags().StringVar(&serverDatabasePath, "db", "", "Path to SQLite database (overrides DATABASE_PATH)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", "", "Path to YAML config file (overrides CONFIG_FILE)")
	serverCmd.Flags().BoolVarP(&debugMode, "debug", "v", false, "Enable debug logging (overrides --log-level)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
}

// applyServerFlags exports flag overrides to the environment so they take
// precedence over the .env and YAML layers.
func applyServerFlags() error {
	overrides := map[string]string{
		"LISTEN_ADDR":   serverListenAddr,
		"DATABASE_PATH": serverDatabasePath,
		"LOG_LEVEL":     serverLogLevel,
		"LOG_FILE":      serverLogFile,
		"CONFIG_FILE":   serverConfigPath,
	}
	if debugMode {
		overrides["LOG_LEVEL"] = "debug"
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := applyServerFlags(); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		}
	}()
	if cfg.ConfigFile != "" {
		logger.Info("loaded config file", zap.String("path", cfg.ConfigFile))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("error closing resources", zap.Error(err))
		}
	}()

	rt, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	defer rt.rollover.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.server.Start()
	}()
	logger.Info("server started", zap.String("addr", cfg.ListenAddr), zap.String("db_driver", string(a.db.Driver())))

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}

	select {
	case err := <-errCh:
		if err != nil {
			// Flush whatever the recorder still holds before exiting.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = rt.server.Shutdown(shutdownCtx)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited gracefully")
	return nil
}
