// Package bootstrap wires the engine together and owns its lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trade_engine/internal/alert"
	"trade_engine/internal/broker/binance"
	"trade_engine/internal/broker/paper"
	"trade_engine/internal/bus"
	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/health"
	"trade_engine/internal/logging"
	"trade_engine/internal/marketdata"
	"trade_engine/internal/orchestrator"
	"trade_engine/internal/risk"
	"trade_engine/internal/storage"
	"trade_engine/internal/strategy"
	"trade_engine/internal/telemetry"
	"trade_engine/internal/trading/execute"
	"trade_engine/internal/trading/exits"
	"trade_engine/internal/trading/reconcile"
	"trade_engine/internal/watchdog"
	"trade_engine/pkg/apperrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitLockHeld     = 1
	ExitConfig       = 2
	ExitFatalStartup = 3
)

const instanceLockTTL = 30 * time.Second

// App holds the wired engine.
type App struct {
	cfg     *config.Config
	logger  core.ILogger
	reg     *prometheus.Registry
	metrics *telemetry.Metrics

	store     *storage.Store
	bus       *bus.Bus
	broker    core.IBroker
	market    *marketdata.Service
	executor  *execute.Executor
	exits     *exits.Manager
	alerts    *alert.Manager
	health    *health.Manager
	telemetry *telemetry.Server
	orchs     map[string]*orchestrator.Orchestrator

	lockOwner string
}

// NewApp loads configuration and builds the logger. Wiring of everything
// else happens in Run so startup failures map onto exit codes cleanly.
func NewApp(configPath string) (*App, int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, ExitConfig, err
	}
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, ExitConfig, err
	}
	return &App{cfg: cfg, logger: logger}, ExitOK, nil
}

// Run wires the engine and blocks until a termination signal or a fatal
// error. The returned code is the process exit code.
func (a *App) Run() (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.wire(ctx); err != nil {
		if errors.Is(err, apperrors.ErrLockHeld) {
			return ExitLockHeld, err
		}
		return ExitFatalStartup, err
	}
	defer a.teardown()

	g, runCtx := errgroup.WithContext(ctx)

	// Lock renewal keeps other instances out while we run.
	g.Go(func() error { return a.renewLock(runCtx) })

	for _, o := range a.orchs {
		o.Start(runCtx)
	}
	a.logger.Info("engine running",
		"mode", a.cfg.Engine.Mode, "exchange", a.cfg.Engine.Exchange,
		"symbols", a.cfg.Engine.Symbols)
	a.logger.Debug("effective configuration", "config", a.DescribeConfig())

	<-runCtx.Done()
	stop()
	err := g.Wait()

	a.shutdownOrchestrators()
	if err != nil && errors.Is(err, apperrors.ErrLockHeld) {
		return ExitLockHeld, err
	}
	return ExitOK, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg
	a.reg = prometheus.NewRegistry()
	a.metrics = telemetry.NewMetrics(a.reg)

	store, err := storage.Open(cfg.Storage.Path, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	host, _ := os.Hostname()
	a.lockOwner = fmt.Sprintf("%s:%d", host, os.Getpid())
	if err := store.AcquireInstanceLock(ctx, a.lockOwner, instanceLockTTL); err != nil {
		return err
	}

	a.bus = bus.New(bus.Config{
		QueueCapacity: cfg.Bus.QueueCapacity,
		MaxAttempts:   cfg.Bus.MaxAttempts,
		Workers:       cfg.Bus.Workers,
		DrainTimeout:  time.Duration(cfg.Bus.DrainSec) * time.Second,
	}, a.logger, a.metrics)
	a.bus.AttachAudit(store.Audit())

	broker, drift, err := a.buildBroker()
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	a.broker = broker

	a.market = marketdata.New(marketdata.Config{}, broker, a.logger)

	pipeline, err := risk.NewPipeline(cfg.Risk, store.Trades(), store.Positions(), drift, a.bus, a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	a.executor = execute.New(execute.Config{
		BucketMs:       int64(cfg.Idempotency.BucketMs),
		IdempotencyTTL: cfg.IdempotencyTTL(),
	}, store, broker, a.bus, pipeline, a.market, a.logger, a.metrics)

	a.exits = exits.New(cfg.Exits, store, a.market, a.executor, a.bus, a.logger, a.metrics)
	a.bus.Subscribe(core.TopicTradeCompleted, "exits", a.exits.HandleFill)
	if err := a.exits.Restore(ctx); err != nil {
		return fmt.Errorf("exits restore: %w", err)
	}

	reconciler := reconcile.New(reconcile.Config{}, store, broker, a.market, a.bus, a.logger, a.metrics)

	a.alerts = alert.NewManager(a.logger)
	if token, err := cfg.Alerts.TelegramToken.Reveal(); err == nil && token != "" {
		a.alerts.AddChannel(alert.NewTelegram(token, cfg.Alerts.TelegramChatID))
	}
	if hook, err := cfg.Alerts.SlackWebhook.Reveal(); err == nil && hook != "" {
		a.alerts.AddChannel(alert.NewSlack(hook))
	}
	alert.NewRouter(a.alerts).Wire(a.bus)

	a.health = health.NewManager(store, broker, a.bus, a.logger)

	symbols, err := cfg.Symbols()
	if err != nil {
		return err
	}
	strat, err := buildStrategy(cfg)
	if err != nil {
		return err
	}

	a.orchs = make(map[string]*orchestrator.Orchestrator, len(symbols))
	for _, symbol := range symbols {
		orch := orchestrator.New(orchestrator.Config{
			Symbol:      symbol,
			Intervals:   cfg.Intervals,
			FixedAmount: decimal.NewFromFloat(cfg.Engine.FixedAmount),
		}, strat, a.market, a.executor, a.exits, reconciler, store, a.bus, a.logger, a.metrics)

		wd := watchdog.New(watchdog.Config{
			Symbol:              symbol,
			SLA:                 cfg.SLA,
			DMSTimeoutMs:        int64(cfg.Intervals.DMSTimeoutMs),
			DMSAction:           cfg.Intervals.DMSAction,
			DailyLossLimitQuote: cfg.Risk.DailyLossLimitQuote,
		}, watchdog.NewSLATracker(5*time.Minute), a.health, orch, a.executor, store, a.bus,
			orch.LastBeat(), a.logger, a.metrics)
		orch.AttachWatchdog(wd)

		a.health.Register(symbol, orch)
		a.orchs[symbol] = orch
	}

	if err := a.bus.Start(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if cfg.Telemetry.EnableMetrics {
		a.telemetry = telemetry.NewServer(cfg.Telemetry.MetricsPort, a.reg, a.health, a.logger)
		a.telemetry.Start()
	}
	return nil
}

// buildBroker returns the active broker and, in live mode, the clock-drift
// source for the risk pipeline. Paper mode trades against simulated fills
// priced from the public exchange feed.
func (a *App) buildBroker() (core.IBroker, risk.DriftSource, error) {
	cfg := a.cfg
	symbols, err := cfg.Symbols()
	if err != nil {
		return nil, nil, err
	}

	if core.Mode(cfg.Engine.Mode) == core.ModeLive {
		apiKey, err := cfg.Credentials.APIKey.Reveal()
		if err != nil {
			return nil, nil, fmt.Errorf("api key: %w", err)
		}
		apiSecret, err := cfg.Credentials.APISecret.Reveal()
		if err != nil {
			return nil, nil, fmt.Errorf("api secret: %w", err)
		}
		adapter := binance.New(binance.Config{
			APIKey:      apiKey,
			APISecret:   apiSecret,
			HTTPTimeout: cfg.HTTPTimeout(),
		}, a.logger, a.metrics)
		return adapter, adapter, nil
	}

	// Public endpoints need no credentials; the feed adapter only quotes.
	feed := binance.New(binance.Config{HTTPTimeout: cfg.HTTPTimeout()}, a.logger, a.metrics)
	sim := paper.New(paper.Config{
		InitialQuote: decimal.NewFromInt(10_000),
		FeeBps:       decimal.NewFromInt(10),
		MinNotional:  decimal.NewFromInt(10),
		MinBase:      decimal.RequireFromString("0.00001"),
	}, symbols, brokerQuotes{feed}, a.logger)
	return sim, feed, nil
}

// brokerQuotes adapts the broker port to the paper simulator's price feed.
type brokerQuotes struct{ b core.IBroker }

func (q brokerQuotes) Ticker(ctx context.Context, symbol string) (*core.Ticker, error) {
	return q.b.FetchTicker(ctx, symbol)
}

func buildStrategy(cfg *config.Config) (core.IStrategy, error) {
	return strategy.FromConfig(cfg.Strategy.Name, cfg.Strategy.FastPeriod,
		cfg.Strategy.SlowPeriod, decimal.NewFromFloat(cfg.Strategy.Threshold))
}

// renewLock extends the instance lock until shutdown.
func (a *App) renewLock(ctx context.Context) error {
	ticker := time.NewTicker(instanceLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.store.AcquireInstanceLock(ctx, a.lockOwner, instanceLockTTL); err != nil {
				// Losing the lock mid-run means another instance took over.
				a.logger.Error("instance lock lost", "error", err)
				return err
			}
		}
	}
}

func (a *App) shutdownOrchestrators() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for symbol, o := range a.orchs {
		if err := o.Stop(stopCtx); err != nil {
			a.logger.Warn("orchestrator stop incomplete", "symbol", symbol, "error", err)
		}
	}
}

func (a *App) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.telemetry != nil {
		_ = a.telemetry.Stop(ctx)
	}
	if a.bus != nil {
		_ = a.bus.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.ReleaseInstanceLock(ctx, a.lockOwner)
		_ = a.store.Close()
	}
	a.logger.Info("engine stopped")
}

// DescribeConfig returns the redacted configuration for startup logging.
func (a *App) DescribeConfig() string {
	return strings.TrimSpace(a.cfg.String())
}
