package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/internal/version"
	"github.com/upb/llm-gateway/routes"
	"github.com/upb/llm-gateway/services/providers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "llm-gateway",
		Short:         "Multi-provider LLM completion gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML/JSON/TOML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newModelsCmd(&configPath),
		newHealthCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			logger, err := initLogger(loader.Current())
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cmd.Context(), loader, logger)
		},
	}
}

// serve runs the API until ctx is cancelled, then shuts down gracefully
func serve(ctx context.Context, loader *config.Loader, logger *zap.Logger) error {
	cfg := loader.Current()
	logger.Info("starting llm-gateway",
		zap.String("version", version.Get().String()),
		zap.String("environment", cfg.Environment))

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	loader.OnChange(deps.OnConfigChange)
	if err := loader.Watch(logger); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn("config watch disabled", zap.Error(err))
	}
	deps.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("http server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		logger.Error("dependency shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}

func newModelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog of every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := buildRegistry(cmd.Context(), *configPath)
			if err != nil {
				return err
			}

			table := uitable.New()
			table.MaxColWidth = 100
			table.Wrap = true
			table.AddRow("PROVIDER", "MODELS")
			for _, name := range registry.List() {
				models, err := registry.CachedModels(name)
				if err != nil {
					return err
				}
				table.AddRow(name, strings.Join(models, ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider once",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			cfg := loader.Current()

			registry, skipped := app.BuildRegistryReport(cmd.Context(), cfg, zap.NewNop())
			monitor := providers.NewHealthMonitor(registry, nil, providers.HealthMonitorConfig{
				Timeout:            cfg.Health.Timeout,
				UnhealthyThreshold: 1,
			}, zap.NewNop())
			statuses := monitor.CheckNow(cmd.Context())

			// providers that never registered are reported with the reason they were skipped
			for name, err := range skipped {
				statuses = append(statuses, providers.HealthStatus{
					Provider:            name,
					LastCheckedAt:       time.Now(),
					ConsecutiveFailures: 1,
					LastError:           err.Error(),
				})
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i].Provider < statuses[j].Provider })

			healthy := 0
			table := uitable.New()
			table.MaxColWidth = 80
			table.AddRow("PROVIDER", "HEALTHY", "LAST ERROR")
			for _, s := range statuses {
				if s.Healthy {
					healthy++
				}
				table.AddRow(s.Provider, s.Healthy, s.LastError)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)

			if healthy == 0 {
				return errors.New("no healthy providers")
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			switch output {
			case "json":
				s, err := info.JSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
			case "short":
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
			case "text":
				fmt.Fprintln(cmd.OutOrStdout(), info.Text())
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, short)")
	return cmd
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.With(zap.String("service", app.ServiceName)), nil
}

func buildRegistry(ctx context.Context, configPath string) (*providers.Registry, error) {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	return app.BuildRegistry(ctx, loader.Current(), zap.NewNop()), nil
}
