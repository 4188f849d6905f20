// Package cli provides the command-line interface for the remedy service.
// The root command runs the full service: bus consumer, orchestrator,
// approval coordinator, and HTTP API, with graceful shutdown. Subcommands
// cover schema migration and audit chain verification.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/storefront-ops/remedy/analyzer"
	"github.com/storefront-ops/remedy/api"
	"github.com/storefront-ops/remedy/approval"
	"github.com/storefront-ops/remedy/audit"
	"github.com/storefront-ops/remedy/breaker"
	"github.com/storefront-ops/remedy/bus"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/config"
	"github.com/storefront-ops/remedy/engine"
	"github.com/storefront-ops/remedy/executor"
	"github.com/storefront-ops/remedy/fingerprint"
	"github.com/storefront-ops/remedy/orchestrator"
	"github.com/storefront-ops/remedy/ratelimit"
	"github.com/storefront-ops/remedy/store"
)

// Version is stamped by the build.
var Version = "dev"

var cfgFile string

// RootCmd runs the remedy service.
var RootCmd = &cobra.Command{
	Use:   "remedy",
	Short: "Event-driven remediation service for platform migration issues",
	Long: `remedy consumes operational signals from the bus, groups them into
issues per merchant and source, reasons about root causes, and carries
remediations to the platform with human approval gates on risky actions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml)")
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(verifyCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runService() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	logCfg := common.DefaultLoggerConfig()
	logCfg.Level = common.LogLevel(cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	common.Logger = common.NewLogger(logCfg)
	logger := common.ServiceLogger(cfg.Service.Name, Version)
	logger.Info("starting remedy service")

	st, err := store.Open(store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		LogSQL:   cfg.Database.LogSQL,
	})
	if err != nil {
		return err
	}
	if err := common.LogOperation(logger, "store.migrate", st.Migrate); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, logger)

	cache := fingerprint.NewCache(redisClient, fingerprint.DefaultCacheTTL, logger)
	detector := fingerprint.NewDetector(cache, st)

	analyzerClient := analyzer.NewClient(analyzer.ClientConfig{
		URL:        cfg.Analyzer.URL,
		Timeout:    cfg.Analyzer.Timeout,
		MaxRetries: uint64(cfg.Analyzer.MaxRetries),
	}, breakers.Get("analyzer"), logger)

	limiter := ratelimit.NewLimiter(redisClient, logger,
		ratelimit.WithLimit(int64(cfg.Pipeline.ActionsPerHour)))

	downstream := executor.NewHTTPDownstream(executor.HTTPDownstreamConfig{
		BaseURL: cfg.Platform.URL,
		Token:   cfg.Platform.Token,
		Timeout: cfg.Platform.Timeout,
	})
	runner := executor.New(downstream, limiter, breakers.Get("platform"), logger)

	coordinator := approval.NewCoordinator(logger)

	pipeline := &engine.Pipeline{
		Detector: detector,
		Analyzer: analyzerClient,
		Runner:   runner,
		Actions:  st,
		Config: engine.Config{
			ConfidenceThreshold:     cfg.Pipeline.ConfidenceThreshold,
			ApprovalConfidenceFloor: cfg.Pipeline.ApprovalConfidenceFloor,
		},
	}

	orch := orchestrator.New(st, pipeline, coordinator, orchestrator.Config{
		MaxStageErrors: cfg.Pipeline.MaxStageErrors,
	}, logger)

	busConfig := bus.Config{
		URL:       cfg.Bus.URL,
		QueueName: cfg.Bus.Queue,
		Prefetch:  cfg.Bus.Prefetch,
		Workers:   cfg.Pipeline.Workers,
	}
	consumer := bus.NewConsumer(busConfig, redisClient, breakers.Get("bus"), logger)
	publisher, err := bus.NewPublisher(busConfig)
	if err != nil {
		return err
	}
	defer publisher.Close()

	ledger := audit.NewLedger(st)
	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       float64(cfg.Security.RateLimit),
		JWTSecret:       cfg.Security.JWTSecret,
		ServiceName:     cfg.Service.Name,
		Version:         Version,
	}, st, coordinator, publisher, consumer, breakers, ledger, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resume parked issues before taking new traffic.
	if err := orch.Resume(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- consumer.Start(ctx, orch.HandleSignal)
	}()
	go func() {
		if err := orch.RunApprovalLoop(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()
	go func() {
		errCh <- server.Start()
	}()
	go pruneLoop(ctx, st, cfg.Pipeline.SignalRetention, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("component failed, shutting down")
		}
	}

	cancel()
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not finish cleanly")
	}
	logger.Info("shutdown complete")
	return nil
}

// pruneLoop deletes unattached signals past the retention window, daily.
func pruneLoop(ctx context.Context, st *store.Store, retention time.Duration, logger *common.ContextLogger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := st.PruneSignals(ctx, cutoff)
			if err != nil {
				logger.WithError(err).Warn("signal prune failed")
				continue
			}
			logger.WithField("pruned", n).Info("pruned expired signals")
		}
	}
}
