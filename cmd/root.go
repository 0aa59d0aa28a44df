// Package cmd defines and implements the CLI commands for the contract-harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/app"
	"github.com/JakeFAU/contract-harvester/internal/config"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/logging"
	"github.com/JakeFAU/contract-harvester/internal/metrics"
	"github.com/JakeFAU/contract-harvester/internal/pipeline"
)

var (
	cfgFile     string
	metricsAddr string
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	holderKey appKeyType = "app-holder"
)

// appHolder keeps the App built for one execution so it is closed on every
// exit path. cobra skips PersistentPostRun when RunE fails.
type appHolder struct {
	app App
}

func (h *appHolder) close() {
	if h.app != nil {
		h.app.Close()
		h.app = nil
	}
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetStore() harvest.ContractStore
	RunID() string
	SearchPhase(ctx context.Context) (pipeline.Phase, error)
	FetchPhase(ctx context.Context) (pipeline.Phase, error)
	ExtractPhase(ctx context.Context) (pipeline.Phase, error)
}

// newApp is the application factory. It's a variable so tests can
// replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests awarded contracts and their seller details from the procurement portal.",
		Long: `contract-harvester runs in three resumable phases. search captures contract
rows per category, fetch downloads each contract document and extract pulls
seller details out of the documents. The store decides what is still to do,
so any phase can be stopped and rerun.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			metrics.Init()
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if h, ok := cmd.Context().Value(holderKey).(*appHolder); ok {
				h.app = appInstance
			}
			startMetrics(cmd.Context(), appInstance)

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if h, ok := cmd.Context().Value(holderKey).(*appHolder); ok {
				h.close()
				return
			}
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus CONTRACTS_* environment when empty)")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address while the command runs")

	cmd.AddCommand(
		newPhaseCmd("search", "Phase 1: capture contract rows for every known category", App.SearchPhase),
		newPhaseCmd("fetch", "Phase 2: download the document for every record without one", App.FetchPhase),
		newPhaseCmd("extract", "Phase 3: extract seller details from downloaded documents", App.ExtractPhase),
		newPipelineCmd(),
		newStatusCmd(),
	)
	return cmd
}

func startMetrics(ctx context.Context, a App) {
	addr := metricsAddr
	if addr == "" {
		addr = a.GetConfig().Metrics.Addr
	}
	if addr == "" {
		return
	}
	logger := a.GetLogger()
	go func() {
		if err := metrics.Serve(ctx, addr, logger); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// run executes root and closes the App it built, whether or not the command
// succeeded.
func run(ctx context.Context, root *cobra.Command) error {
	h := &appHolder{}
	defer h.close()
	return root.ExecuteContext(context.WithValue(ctx, holderKey, h))
}

// Execute is the main entry point. Interrupts cancel the running phase, which
// stops between items and leaves the store consistent.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, newRootCmd()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
