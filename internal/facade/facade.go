// Package facade implements the Trading Bot Facade from spec.md §4.11: the
// single object external producers and the Strategy Consumer talk to. It
// owns the lifecycle of the Watcher and both consumer loops, and serializes
// every GuardState mutation and command submission behind one lock so that
// synchronous producers, the Strategy Consumer, and the risk heartbeat's
// force-exit signal can never interleave unsafely.
//
// Grounded on trader/auto_trader.go's NewAutoTrader/Run/Stop shape: one
// struct owning every subordinate component, background loops started with
// go func() and tracked by a sync.WaitGroup, a single cancel func stopping
// everything. Go has no recursive mutex, so rather than fake one, every
// method that needs the lock acquires it once at the public entry point and
// delegates to an unlocked internal method — the same "lock at the edge"
// discipline the teacher's own code follows around its order-state mutations.
package facade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/adjustment"
	"ordercore/internal/command"
	"ordercore/internal/consumer"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/positionexit"
	"ordercore/internal/risk"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
	"ordercore/internal/watcher"
)

var log = obslog.Component("facade")

// Alert is the producer entry payload accepted by ProcessAlert and by the
// webhook adapter that forwards it unchanged, per spec.md §9's wire format.
type Alert struct {
	ExecutionType model.ExecutionType `json:"execution_type"`
	Exchange      string              `json:"exchange"`
	Symbol        string              `json:"symbol"`
	Side          model.Side          `json:"side"`
	Quantity      int64               `json:"quantity"`
	Product       model.Product       `json:"product"`
	OrderType     model.OrderType     `json:"order_type"`

	Price         decimal.Decimal    `json:"price"`
	TriggerPrice  decimal.Decimal    `json:"trigger_price"`
	StopLoss      decimal.Decimal    `json:"stop_loss"`
	Target        decimal.Decimal    `json:"target"`
	TrailingType  model.TrailingType `json:"trailing_type"`
	TrailingValue decimal.Decimal    `json:"trailing_value"`
	StrategyName  string             `json:"strategy_name"`
	Source        string             `json:"source"`
}

// MarketDataProvider supplies the per-tick snapshot an Adjustment Engine
// evaluates against. Computing option greeks and per-leg P&L requires a
// pricing/analytics source this core does not own, so it is an injected
// collaborator, the same way OptionSelector is.
type MarketDataProvider interface {
	Snapshot(ctx context.Context, cfg model.StrategyConfig) (adjustment.EvalContext, error)
}

// RuleProvider supplies the parsed condition/action rule set for a strategy,
// loaded from wherever rules are authored (config file, admin API) — out of
// scope for this core, so it too is an injected collaborator.
type RuleProvider interface {
	RulesFor(strategyName string) []adjustment.Rule
}

type strategyRuntime struct {
	engine *adjustment.Engine
	cancel context.CancelFunc
}

// Facade is the single object external callers and the Strategy Consumer
// depend on.
type Facade struct {
	clientID string

	repo         *store.Repository
	cmds         *command.Service
	posExit      *positionexit.Service
	riskMgr      *risk.Manager
	guard        *guard.Guard
	scriptmaster *scriptmaster.Client

	genericConsumer  *consumer.Generic
	strategyConsumer *consumer.Strategy
	watcher          *watcher.Watcher

	marketData MarketDataProvider
	selector   adjustment.OptionSelector
	rules      RuleProvider

	adjustmentTickInterval time.Duration

	mu         sync.Mutex
	strategies map[string]*strategyRuntime

	wg sync.WaitGroup
}

// New wires every component except the Strategy Consumer, which depends on
// the Facade itself (it dispatches STRATEGY intents to it) and so must be
// constructed afterwards and attached via SetStrategyConsumer.
func New(
	clientID string,
	repo *store.Repository,
	cmds *command.Service,
	posExit *positionexit.Service,
	riskMgr *risk.Manager,
	g *guard.Guard,
	sm *scriptmaster.Client,
	genericConsumer *consumer.Generic,
	w *watcher.Watcher,
	marketData MarketDataProvider,
	selector adjustment.OptionSelector,
	rules RuleProvider,
	adjustmentTickInterval time.Duration,
) *Facade {
	if adjustmentTickInterval <= 0 {
		adjustmentTickInterval = 2 * time.Second
	}
	return &Facade{
		clientID:               clientID,
		repo:                   repo,
		cmds:                   cmds,
		posExit:                posExit,
		riskMgr:                riskMgr,
		guard:                  g,
		scriptmaster:           sm,
		genericConsumer:        genericConsumer,
		watcher:                w,
		marketData:             marketData,
		selector:               selector,
		rules:                  rules,
		adjustmentTickInterval: adjustmentTickInterval,
		strategies:             make(map[string]*strategyRuntime),
	}
}

// SetStrategyConsumer attaches the Strategy Consumer loop, constructed with
// this Facade as its StrategyDispatcher. Must be called before
// StartConsumers.
func (f *Facade) SetStrategyConsumer(sc *consumer.Strategy) {
	f.strategyConsumer = sc
}

// ProcessAlert is the synchronous producer path for webhook/telegram-style
// callers: it submits (ENTRY) or registers (EXIT) a single OrderCommand and
// returns the outcome without queuing, per spec.md §4.11.
func (f *Facade) ProcessAlert(ctx context.Context, alert Alert) model.CommandOutcome {
	cmd := model.OrderCommand{
		ClientID:      f.clientID,
		ExecutionType: alert.ExecutionType,
		Source:        alert.Source,
		StrategyName:  alert.StrategyName,
		Symbol:        alert.Symbol,
		Exchange:      alert.Exchange,
		Side:          alert.Side,
		Quantity:      alert.Quantity,
		Product:       alert.Product,
		OrderType:     alert.OrderType,
		Price:         alert.Price,
		TriggerPrice:  alert.TriggerPrice,
		StopLoss:      alert.StopLoss,
		Target:        alert.Target,
		TrailingType:  alert.TrailingType,
		TrailingValue: alert.TrailingValue,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if alert.ExecutionType == model.ExecutionExit {
		return f.cmds.Register(ctx, cmd)
	}
	return f.cmds.Submit(ctx, cmd)
}

// RequestEntry loads the strategy's saved config, builds its universal
// CE+PE OrderCommands, submits both through the Command Service, and starts
// a registered Adjustment Engine instance for the strategy if one is not
// already running, per spec.md §4.11.
func (f *Facade) RequestEntry(ctx context.Context, strategyName string) error {
	cfg, err := f.repo.LoadStrategyConfig(ctx, strategyName)
	if err != nil {
		return fmt.Errorf("request_entry %s: loading config: %w", strategyName, err)
	}
	if cfg == nil {
		return fmt.Errorf("request_entry %s: no saved config", strategyName)
	}

	f.mu.Lock()
	ceOut := f.cmds.Submit(ctx, f.legCommand(*cfg, cfg.CESymbol))
	peOut := f.cmds.Submit(ctx, f.legCommand(*cfg, cfg.PESymbol))
	f.mu.Unlock()

	if !ceOut.Success || !peOut.Success {
		return fmt.Errorf("request_entry %s: ce_success=%v pe_success=%v", strategyName, ceOut.Success, peOut.Success)
	}

	f.startEngine(*cfg)
	return nil
}

func (f *Facade) legCommand(cfg model.StrategyConfig, symbol string) model.OrderCommand {
	return model.OrderCommand{
		ClientID:      f.clientID,
		ExecutionType: model.ExecutionEntry,
		Source:        cfg.Source,
		StrategyName:  cfg.StrategyName,
		Symbol:        symbol,
		Exchange:      cfg.Exchange,
		Side:          cfg.Side,
		Quantity:      cfg.Quantity,
		Product:       cfg.Product,
		OrderType:     model.OrderTypeMarket,
		StopLoss:      cfg.StopLoss,
		Target:        cfg.Target,
		TrailingType:  cfg.TrailingType,
		TrailingValue: cfg.TrailingValue,
	}
}

// startEngine registers and runs an Adjustment Engine instance for cfg's
// strategy, unless one is already running. Idempotent so a second
// request_entry (e.g. after a restart) never double-runs the engine.
func (f *Facade) startEngine(cfg model.StrategyConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, running := f.strategies[cfg.StrategyName]; running {
		return
	}

	engine := adjustment.New(cfg.StrategyName, f.clientID, cfg.Quantity, cfg.Side, f.repo, f.cmds, f.guard, f.selector, f.rules.RulesFor(cfg.StrategyName), 0)
	runCtx, cancel := context.WithCancel(context.Background())
	f.strategies[cfg.StrategyName] = &strategyRuntime{engine: engine, cancel: cancel}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := engine.LoadPersisted(runCtx); err != nil {
			log.Error().Msgf("strategy %s: loading persisted state: %v", cfg.StrategyName, err)
		}
		f.runEngineLoop(runCtx, cfg, engine)
	}()
}

func (f *Facade) runEngineLoop(ctx context.Context, cfg model.StrategyConfig, engine *adjustment.Engine) {
	ticker := time.NewTicker(f.adjustmentTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.tickEngine(ctx, cfg, engine); err != nil {
				log.Error().Msgf("strategy %s: adjustment tick: %v", cfg.StrategyName, err)
			}
		}
	}
}

// tickEngine fetches a fresh market snapshot (unlocked — it only reads
// external state) and then evaluates the rule tree under the Facade's lock,
// since a firing rule submits commands and may mutate GuardState.
func (f *Facade) tickEngine(ctx context.Context, cfg model.StrategyConfig, engine *adjustment.Engine) error {
	snap, err := f.marketData.Snapshot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("fetching market snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Tick(ctx, snap)
}

// RequestAdjust triggers a single out-of-band Adjustment Engine evaluation
// pass for strategyName, per spec.md §4.11. Implements
// consumer.StrategyDispatcher.
func (f *Facade) RequestAdjust(ctx context.Context, strategyName string) error {
	f.mu.Lock()
	rt, ok := f.strategies[strategyName]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("request_adjust %s: strategy is not running", strategyName)
	}

	cfg, err := f.repo.LoadStrategyConfig(ctx, strategyName)
	if err != nil {
		return fmt.Errorf("request_adjust %s: loading config: %w", strategyName, err)
	}
	if cfg == nil {
		return fmt.Errorf("request_adjust %s: no saved config", strategyName)
	}
	return f.tickEngine(ctx, *cfg, rt.engine)
}

// RequestExit is the unified exit gateway: it delegates to the Position
// Exit Service under the Facade's lock, per spec.md §4.11.
func (f *Facade) RequestExit(ctx context.Context, scope positionexit.Scope, productScope positionexit.ProductScope, reason model.Tag, source string) ([]model.CommandOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posExit.Flatten(ctx, f.clientID, scope, productScope, reason, source)
}

// RequestExitByStrategy flattens every position belonging to strategyName.
// Implements consumer.StrategyDispatcher.
func (f *Facade) RequestExitByStrategy(ctx context.Context, strategyName, reason string) error {
	f.mu.Lock()
	rt, ok := f.strategies[strategyName]
	f.mu.Unlock()

	var symbols []string
	if ok {
		st := rt.engine.State()
		if st.CE.Symbol != "" {
			symbols = append(symbols, st.CE.Symbol)
		}
		if st.PE.Symbol != "" {
			symbols = append(symbols, st.PE.Symbol)
		}
	}

	_, err := f.RequestExit(ctx, positionexit.Scope{Symbols: symbols}, positionexit.ProductScopeAll, model.Tag(reason), "STRATEGY:"+strategyName)
	if err == nil {
		f.stopEngine(strategyName)
	}
	return err
}

// RequestForceExit flattens every position across every product type,
// tagged with reason, sourced as "supreme_risk" per spec.md §4.11. Also
// wired as the handler for risk.Manager's ForceExitCh signal. Implements
// consumer.StrategyDispatcher.
func (f *Facade) RequestForceExit(ctx context.Context, reason string) error {
	_, err := f.RequestExit(ctx, positionexit.Scope{All: true}, positionexit.ProductScopeAll, model.Tag(reason), "supreme_risk")
	return err
}

func (f *Facade) stopEngine(strategyName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.strategies[strategyName]; ok {
		rt.cancel()
		delete(f.strategies, strategyName)
	}
}

// StartWatcher starts the Order Watcher's background loop.
func (f *Facade) StartWatcher(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.watcher.Run(ctx)
	}()
}

// StartConsumers starts both consumer loops and the goroutine that routes
// risk-driven force-exit signals into RequestForceExit, per spec.md §4.11
// and §4.5.
func (f *Facade) StartConsumers(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.genericConsumer.Run(ctx)
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.strategyConsumer.Run(ctx)
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.watchRiskForceExit(ctx)
	}()
}

func (f *Facade) watchRiskForceExit(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-f.riskMgr.ForceExitCh():
			if err := f.RequestForceExit(ctx, req.Reason); err != nil {
				log.Error().Msgf("risk-driven force exit failed: %v", err)
			}
		}
	}
}

// Stop cancels every engine loop started by RequestEntry and waits for the
// Watcher/consumer/force-exit goroutines started via StartWatcher and
// StartConsumers to return. The caller is responsible for cancelling the
// context it passed to those two methods before calling Stop.
func (f *Facade) Stop() {
	f.mu.Lock()
	for name, rt := range f.strategies {
		rt.cancel()
		delete(f.strategies, name)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
