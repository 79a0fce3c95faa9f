package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/agent"
	"github.com/young1lin/searchmux/internal/config"
	"github.com/young1lin/searchmux/internal/events"
	"github.com/young1lin/searchmux/internal/fallback"
	"github.com/young1lin/searchmux/internal/handler"
	"github.com/young1lin/searchmux/internal/history"
	"github.com/young1lin/searchmux/internal/orchestrator"
	"github.com/young1lin/searchmux/internal/registry"
	"github.com/young1lin/searchmux/internal/token"
	"github.com/young1lin/searchmux/internal/usage"
	"github.com/young1lin/searchmux/pkg/logger"
)

var (
	Version   = "dev"
	BuildDate = "unknown"
)

var (
	cfgFile string
	port    int
	showVer bool
)

var rootCmd = &cobra.Command{
	Use:   "searchmux",
	Short: "Multi-platform search aggregation orchestrator",
	Long: `An aggregation server that fans a query out to many platform
providers concurrently, tolerates partial failure, merges and ranks
the results, and tracks per-provider health and usage.`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVer {
			fmt.Printf("searchmux %s (built %s)\n", Version, BuildDate)
			return
		}

		cfg := config.Load(cfgFile)

		// Override config with command line flags
		if port > 0 {
			cfg.Server.Port = port
		}

		// Initialize logger
		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
		defer logger.Sync()

		logger.Info("starting server",
			zap.String("version", Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
		)

		if err := run(cfg); err != nil {
			logger.Error("fatal error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().BoolVarP(&showVer, "version", "v", false, "show version")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Token store
	tokens, err := token.NewStore(&cfg.TokenStore)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	defer tokens.Close()

	// Provider registry
	reg, err := registry.NewFromConfig(cfg.Providers)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// Usage tracker, fed the registry's enabled state for health
	tracker := usage.NewTracker(
		usage.WithHealthWindow(time.Duration(cfg.Usage.HealthWindowMinutes)*time.Minute),
		usage.WithEnabledFunc(reg.IsEnabled),
	)

	// Fallback chains
	resolver := fallback.New(cfg.Fallbacks)

	// Event publisher
	var publisher events.Publisher = events.NoOpPublisher{}
	var natsPublisher *events.NATSPublisher
	if cfg.Events.Enabled {
		natsPublisher, err = events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		publisher = natsPublisher
		defer natsPublisher.Close()
	}
	reg.SetStateListener(func(name string, enabled bool) {
		publisher.PublishProviderState(events.ProviderStateEvent{
			Provider:  name,
			Enabled:   enabled,
			Timestamp: time.Now(),
		})
	})

	// Dispatch history
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.NewStore(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer hist.Close()
	}

	// Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithTimeout(time.Duration(cfg.Orchestrator.TimeoutMs) * time.Millisecond),
		orchestrator.WithMergeCaps(cfg.Orchestrator.MaxResultsPerProvider, cfg.Orchestrator.MaxMergedResults),
		orchestrator.WithRetryPolicy(orchestrator.RetryPolicyFromConfig(cfg.Orchestrator.Retry)),
		orchestrator.WithPublisher(publisher),
	}
	if hist != nil {
		opts = append(opts, orchestrator.WithRecorder(hist))
	}
	orch := orchestrator.New(reg, tokens, tracker, resolver, opts...)

	// Agent pool
	pool := agent.NewPool(cfg.Agents.Workers, cfg.Agents.QueueSize)
	agent.RegisterOrchestratorExecutors(pool, orch)
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	pool.Start(poolCtx)
	defer pool.Close()

	// HTTP surface
	var histReader handler.HistoryReader
	if hist != nil {
		histReader = hist
	}
	h := handler.New(orch, reg, tokens, pool, histReader)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}
