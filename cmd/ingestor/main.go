// Kline Ingestor CLI
// This application ingests Binance 1-minute klines into monthly CSV
// partitions, one partition per symbol per calendar month, tracking per-symbol
// watermarks so each run only does incremental work.
//
// Usage:
//
//	ingestor serve  --config config.yaml
//	ingestor run    --config config.yaml --symbol BTCUSDT
//	ingestor fleet  --config config.yaml
//
// For detailed help on any command, use: ingestor <command> --help
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cryptodatalake/kline-ingestor/internal/binance"
	"github.com/cryptodatalake/kline-ingestor/internal/blob"
	"github.com/cryptodatalake/kline-ingestor/internal/config"
	"github.com/cryptodatalake/kline-ingestor/internal/fleet"
	"github.com/cryptodatalake/kline-ingestor/internal/ingest"
	"github.com/cryptodatalake/kline-ingestor/internal/logger"
	"github.com/cryptodatalake/kline-ingestor/internal/server"
	"github.com/cryptodatalake/kline-ingestor/internal/tracking"
)

const (
	Version = "1.0.0"
	AppName = "ingestor"
)

const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitRunError    = 3
	ExitInterrupt   = 130
)

// app holds the wired components shared by all commands.
type app struct {
	cfg        *config.AppConfig
	logs       *logger.Logger
	log        *slog.Logger
	tracking   tracking.Store
	registry   *ingest.Registry
	controller *fleet.Controller
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "help", "--help", "-h":
		printUsage()
		os.Exit(ExitSuccess)
	case "version", "--version":
		fmt.Printf("%s version %s\n", AppName, Version)
		os.Exit(ExitSuccess)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "serve":
		err = runServe(ctx, args)
	case "run":
		err = runSymbol(ctx, args)
	case "fleet":
		err = runFleet(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(ExitInterrupt)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitRunError)
	}
}

func printUsage() {
	fmt.Printf(`%s - Binance kline ingestor

Usage:
  %s <command> [flags]

Commands:
  serve    Run the HTTP API (and the daily scheduler if enabled)
  run      Run one incremental ingestion for a single symbol
  fleet    Run the whole symbol fleet once and exit
  version  Print version information
  help     Show this help

Common flags:
  --config <path>  Path to the YAML configuration file

Examples:
  %s serve --config config.yaml
  %s run --config config.yaml --symbol BTCUSDT
  %s fleet --config config.yaml
`, AppName, AppName, AppName, AppName, AppName)
}

// newApp loads configuration and wires the component graph.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logs, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log := logs.Base()

	var store tracking.Store
	switch cfg.Tracking.Type {
	case "memory":
		store = tracking.NewMemoryStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Tracking.Path), 0755); err != nil {
			return nil, fmt.Errorf("create tracking directory: %w", err)
		}
		store, err = tracking.NewSQLiteStore(cfg.Tracking.Path)
		if err != nil {
			return nil, fmt.Errorf("open tracking store: %w", err)
		}
	}

	var objects blob.ObjectStore
	switch cfg.Blob.Type {
	case "memory":
		objects = blob.NewMemoryStore()
	default:
		objects, err = blob.NewFSStore(cfg.Blob.Root)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}

	httpTimeout, err := cfg.Binance.RequestTimeout()
	if err != nil {
		return nil, err
	}
	client := binance.NewClientWithConfig(cfg.Binance.BaseURL, cfg.Binance.RequestsPerSecond, httpTimeout, logs.Component("binance"))
	writer := blob.NewPartitionWriter(objects, logs.Component("blob"))
	runner := ingest.NewRunner(client, writer, store, logs.Component("ingest"))
	registry := ingest.NewRegistry(runner, logs.Component("registry"))

	var pool fleet.ComputePool = fleet.NoopPool{}
	poolCfg := fleet.DefaultControllerConfig()
	if cfg.Pool.Enabled {
		pool = fleet.NewManagementPool(cfg.Pool.ManagementURL, cfg.Pool.Token, logs.Component("pool"))
		interval, err := cfg.Pool.Poll()
		if err != nil {
			return nil, err
		}
		poolCfg.PollInterval = interval
		poolCfg.PollAttempts = cfg.Pool.PollAttempts
		poolCfg.SkipPause = cfg.Pool.SkipPause
	}
	controller := fleet.NewController(pool, registry, poolCfg, logs.Component("fleet"))

	return &app{
		cfg:        cfg,
		logs:       logs,
		log:        log,
		tracking:   store,
		registry:   registry,
		controller: controller,
	}, nil
}

func (a *app) close() {
	if err := a.tracking.Close(); err != nil {
		a.log.Error("failed to close tracking store", "error", err)
	}
	_ = a.logs.Close()
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Scheduler.Enabled {
		at, err := a.cfg.Scheduler.DailyOffset()
		if err != nil {
			return err
		}
		sched := fleet.NewScheduler(a.controller, a.cfg.Symbols, at, a.logs.Component("scheduler"))
		sched.Start()
		defer sched.Stop()
	}

	srv := server.New(a.registry, a.controller, a.tracking, a.cfg.Symbols, a.logs.Component("server"))
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	a.log.Info("starting", "app", a.cfg.AppName, "version", Version, "addr", addr)
	return srv.Run(ctx, addr)
}

func runSymbol(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	symbol := fs.String("symbol", "", "trading pair to ingest, e.g. BTCUSDT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *symbol == "" {
		return fmt.Errorf("--symbol is required")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.registry.Run(ctx, *symbol)
	if err != nil {
		return err
	}

	a.log.Info("run finished",
		"symbol", result.Symbol,
		"months_processed", result.MonthsProcessed,
		"rows_written", result.RowsWritten,
		"watermark", result.FinalWatermark)
	return nil
}

func runFleet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fleet", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.controller.Run(ctx, a.cfg.Symbols)
	if err != nil {
		return err
	}

	a.log.Info("fleet finished",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed))
	return nil
}
