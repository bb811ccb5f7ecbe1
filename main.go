package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"position-engine/internal/api"
	"position-engine/internal/balance"
	"position-engine/internal/engine"
	"position-engine/internal/events"
	"position-engine/internal/market"
	"position-engine/internal/monitor"
	"position-engine/internal/order"
	"position-engine/internal/reconciliation"
	"position-engine/internal/risk"
	"position-engine/internal/state"
	"position-engine/internal/strategy"
	"position-engine/pkg/config"
	"position-engine/pkg/db"
	"position-engine/pkg/logger"
	marketbinance "position-engine/pkg/market/binance"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("position engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("starting position engine",
		zap.String("version", buildVersion),
		zap.String("port", cfg.Port),
		zap.String("db", cfg.DBPath),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// In-memory state seeded from DB
	stateMgr := state.NewManager(database, zl)
	if err := stateMgr.Load(ctx); err != nil {
		return err
	}

	riskMgr, err := risk.NewManager(database.DB, zl)
	if err != nil {
		zl.Warn("risk metrics not persisted", zap.Error(err))
		riskMgr = risk.NewInMemory()
	}

	// The paper venue and the dispatcher report back into the registry,
	// which is built after them.
	var registry *engine.Registry
	sink := func(r order.Report) { registry.OnReport(r) }

	paper := order.NewPaperGateway(order.PaperConfig{
		InitialEquity: cfg.PaperInitialEquity,
		SlippageBps:   cfg.PaperSlippageBps,
	}, sink, zl)
	dispatcher := order.NewDispatcher(paper, sink, order.DispatcherConfig{
		Workers:    4,
		QueueSize:  256,
		RatePerSec: cfg.GatewayRatePerSec,
		Burst:      cfg.GatewayBurst,
	}, zl)

	balanceMgr := balance.NewManager(paper, 5*time.Second, time.Minute, zl)
	balanceMgr.SetInitialBalance(cfg.PaperInitialEquity)

	registry = engine.NewRegistry(engine.Shared{
		Submitter:     dispatcher,
		Equity:        balanceMgr,
		Journal:       stateMgr,
		Outcomes:      riskMgr,
		Bus:           bus,
		Log:           zl,
		SweepInterval: cfg.SweepInterval,
	})
	symbols := make([]string, 0, len(instruments))
	for _, rc := range instruments {
		if _, err := registry.Add(rc); err != nil {
			// a bad instrument is fatal for that instrument only
			zl.Error("instrument disabled", zap.String("symbol", rc.Instrument.Symbol), zap.Error(err))
			continue
		}
		symbols = append(symbols, rc.Instrument.Symbol)
	}
	if len(symbols) == 0 {
		return errors.New("no usable instruments")
	}
	if err := registry.Restore(ctx, stateMgr); err != nil {
		return err
	}

	// Metrics and alerts
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(promReg)
	alerts := monitor.NewMemorySink(200)
	mon := &monitor.Monitor{
		Bus:      bus,
		Metrics:  metrics,
		Sink:     monitor.MultiSink{monitor.LogSink{Log: zl}, alerts},
		Equity:   balanceMgr,
		Dispatch: dispatcher.Results(),
		Log:      zl,
	}

	recon := reconciliation.NewService(paper, stateMgr, bus, 30*time.Second, 1e-9, zl)

	dispatcher.Start(ctx)
	balanceMgr.Start(ctx)
	mon.Start(ctx)
	registry.Start(ctx)
	recon.Start(ctx)

	// Market data drives the paper venue first so resting orders fill
	// before the coordinators evaluate the same bar.
	source := strategy.NewBreakout(20, false)
	onBar := func(bar market.Bar) {
		paper.OnBar(bar)
		registry.OnBar(bar)
		if sig := source.OnBar(bar); sig != nil {
			if err := registry.OnSignal(ctx, *sig); err != nil {
				zl.Warn("signal not delivered", zap.String("symbol", sig.Symbol), zap.Error(err))
			}
		}
	}
	venue := "binance"
	if cfg.UseMockFeed {
		venue = "mock"
		(&market.MockFeed{
			Bus:      bus,
			Handle:   onBar,
			Symbols:  symbols,
			Interval: time.Second,
			Log:      zl,
		}).Start(ctx)
	} else {
		(&market.Feed{
			Client:   marketbinance.NewClient(cfg.BinanceTestnet),
			Stream:   marketbinance.NewStreamClient(cfg.BinanceTestnet, zl),
			Bus:      bus,
			Handle:   onBar,
			Symbols:  symbols,
			Interval: cfg.KlineInterval,
			Log:      zl,
		}).Start(ctx)
	}

	engService := engine.NewImpl(engine.Config{
		Registry: registry,
		RiskMgr:  riskMgr,
		History:  stateMgr,
		Meta: engine.SystemStatus{
			Mode:        "PAPER",
			Venue:       venue,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion,
		},
	})

	server := api.NewServer(api.Options{
		Engine:    engService,
		Bus:       bus,
		Metrics:   metrics,
		Alerts:    alerts,
		Recon:     recon,
		Gatherer:  promReg,
		Log:       zl,
		RateLimit: cfg.APIRateLimit,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("api server error", zap.Error(err))
			stop()
		}
	}()
	zl.Info("engine running", zap.Strings("symbols", symbols), zap.String("venue", venue))

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("api shutdown", zap.Error(err))
	}
	registry.Wait()
	dispatcher.Close()
	return nil
}
