package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stylus-builder/internal/artifact"
	"stylus-builder/internal/builder"
	"stylus-builder/internal/config"
	"stylus-builder/internal/logging"
	"stylus-builder/internal/realtime"
	"stylus-builder/internal/session"
	"stylus-builder/internal/toolchain"
	"stylus-builder/internal/watcher"
)

var (
	cfg    config.Config
	logger *zap.Logger

	port          int
	workspaceRoot string
	profilePath   string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "stylus-builder",
	Short: "Ephemeral build and deploy service for Stylus contracts",
	Long: `stylus-builder compiles submitted Rust sources into WebAssembly contracts
inside throwaway workspaces, streams the toolchain output, and deploys
successful builds with a caller-supplied key that is never persisted.

Run without a subcommand to start the HTTP and WebSocket server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if workspaceRoot != "" {
			cfg.WorkspaceRoot = workspaceRoot
		}
		if profilePath != "" {
			cfg.ToolchainProfile = profilePath
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		var err error
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Listen port (default from PORT or 8420)")
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace-root", "w", "", "Directory holding session workspaces")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "YAML toolchain profile (default: built-in cargo-stylus)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newService wires the registry, toolchain profile, and optional archive.
func newService() (*builder.Service, *session.Registry, error) {
	registry, err := session.NewRegistry(cfg.WorkspaceRoot, cfg.Retention, logger.Named("session"))
	if err != nil {
		return nil, nil, err
	}

	adapter := toolchain.StylusProfile()
	if cfg.ToolchainProfile != "" {
		adapter, err = toolchain.LoadProfile(cfg.ToolchainProfile)
		if err != nil {
			return nil, nil, err
		}
	}

	var opts []builder.Option
	if cfg.Archive.Enabled {
		archive, err := artifact.NewS3Archive(cfg.Archive.S3())
		if err != nil {
			return nil, nil, fmt.Errorf("artifact archive: %w", err)
		}
		opts = append(opts, builder.WithArchive(archive))
	}

	svc, err := builder.New(cfg.Settings(), registry, adapter, logger.Named("builder"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return svc, registry, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, registry, err := newService()
	if err != nil {
		return err
	}

	fileWatch, err := watcher.New(registry.Root(), registry, logger.Named("watcher"))
	if err != nil {
		return err
	}

	rtServer := realtime.New(svc, logger.Named("realtime"))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go registry.Run(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stylus builder listening",
			zap.String("addr", addr),
			zap.String("workspaceRoot", registry.Root()),
			zap.Duration("buildTimeout", cfg.BuildTimeout),
			zap.Bool("archive", cfg.Archive.Enabled),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fileWatch.Shutdown()
			registry.Shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BuildTimeout+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := rtServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("realtime shutdown", zap.Error(err))
	}
	fileWatch.Shutdown()
	registry.Shutdown()
	return nil
}
