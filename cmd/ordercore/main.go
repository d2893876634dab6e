// Command ordercore is the Order Management Core's process entry point. It
// wires every component in the dependency order spec.md §5 requires for
// crash recovery: reset stale claimed intents, reconcile the Execution
// Guard against the broker's live position snapshot, restore persisted
// RiskState, then start the Watcher and both consumer loops before
// accepting producer traffic.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordercore/internal/broker"
	"ordercore/internal/command"
	"ordercore/internal/config"
	"ordercore/internal/consumer"
	"ordercore/internal/facade"
	"ordercore/internal/guard"
	"ordercore/internal/httpapi"
	"ordercore/internal/metrics"
	"ordercore/internal/obslog"
	"ordercore/internal/positionexit"
	"ordercore/internal/risk"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
	"ordercore/internal/watcher"
)

var log = obslog.Component("main")

func main() {
	envPath := flag.String("env", ".env", "path to the .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error().Msgf("loading config: %v", err)
		os.Exit(1)
	}

	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error().Msgf("opening repository: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	sm, err := scriptmaster.Load(cfg.ScriptMasterSnapshotPath)
	if err != nil {
		log.Error().Msgf("loading script master snapshot: %v", err)
		os.Exit(1)
	}

	brokerAdapter := broker.NewRESTAdapter(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerSecret, cfg.BrokerCallTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- spec.md §5 recovery sequence, in order ---

	if n, err := repo.ResetStaleClaims(ctx, time.Now().Add(-cfg.IntentRecoveryTimeout)); err != nil {
		log.Error().Msgf("resetting stale claimed intents: %v", err)
		os.Exit(1)
	} else if n > 0 {
		log.Warn().Msgf("reset %d stale claimed intents on recovery", n)
	}

	g := guard.New(repo, brokerAdapter)
	if err := g.ReconcileWithBroker(ctx, cfg.ClientID); err != nil {
		log.Error().Msgf("reconciling execution guard with broker: %v", err)
		os.Exit(1)
	}

	riskMgr := risk.New(repo, risk.NewBrokerPnLSource(brokerAdapter), risk.Config{
		DailyMaxLoss:      cfg.RiskDailyMaxLoss,
		CooldownAfter:     cfg.RiskCooldownAfter,
		HeartbeatInterval: cfg.RiskHeartbeatInterval,
	})
	if err := riskMgr.LoadPersisted(ctx); err != nil {
		log.Error().Msgf("restoring risk state: %v", err)
		os.Exit(1)
	}

	// --- steady-state components ---

	cmds := command.New(repo, riskMgr, g, brokerAdapter, sm)
	posExit := positionexit.New(brokerAdapter, cmds)
	genericConsumer := consumer.NewGeneric(repo, cmds, cfg.ClientID, cfg.ConsumerPollInterval, cfg.IntentRecoveryTimeout)
	w := watcher.New(repo, brokerAdapter, g, sm, cfg.ClientID, cfg.WatcherPollInterval)

	f := facade.New(
		cfg.ClientID, repo, cmds, posExit, riskMgr, g, sm, genericConsumer, w,
		&brokerMarketData{broker: brokerAdapter, repo: repo},
		noGreeksSelector{},
		&fileRuleProvider{rulesDir: cfg.RulesDir},
		cfg.AdjustmentTickInterval,
	)
	strategyConsumer := consumer.NewStrategy(repo, f, cfg.ClientID, cfg.ConsumerPollInterval, cfg.IntentRecoveryTimeout)
	f.SetStrategyConsumer(strategyConsumer)

	metrics.Init()
	metricsSrv := metrics.NewServer(cfg.MetricsListenAddr)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("metrics http server stopped: %v", err)
		}
	}()

	ops := httpapi.New(f, repo, httpapi.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		ClientID:          cfg.ClientID,
		JWTSigningKey:     cfg.JWTSigningKey,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
		AdminTOTPSecret:   cfg.AdminTOTPSecret,
	})

	go riskMgr.Run(ctx)
	f.StartWatcher(ctx)
	f.StartConsumers(ctx)
	ops.Start()

	log.Info().Msgf("ordercore started: client=%s http=%s metrics=%s", cfg.ClientID, cfg.HTTPListenAddr, cfg.MetricsListenAddr)

	<-ctx.Done()
	log.Info().Msgf("shutdown signal received, stopping")

	if err := ops.Stop(10 * time.Second); err != nil {
		log.Error().Msgf("stopping ops http server: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("stopping metrics http server: %v", err)
	}
	f.Stop()
}
