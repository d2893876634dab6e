package adjustment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/store"
)

var log = obslog.Component("adjustment")

// ActionName is the action-catalog discriminator from spec.md §4.10.
type ActionName string

const (
	ActionCloseCE             ActionName = "close_ce"
	ActionClosePE             ActionName = "close_pe"
	ActionCloseHigherDelta    ActionName = "close_higher_delta"
	ActionCloseLowerDelta     ActionName = "close_lower_delta"
	ActionCloseMostProfitable ActionName = "close_most_profitable"
	ActionRollCE              ActionName = "roll_ce"
	ActionRollPE              ActionName = "roll_pe"
	ActionRollBoth            ActionName = "roll_both"
	ActionShiftStrikes        ActionName = "shift_strikes"
	ActionAddHedge            ActionName = "add_hedge"
	ActionTrailingStop        ActionName = "trailing_stop"
	ActionDoNothing           ActionName = "do_nothing"
	ActionIncreaseLots        ActionName = "increase_lots" // reserved
	ActionDecreaseLots        ActionName = "decrease_lots" // reserved
	ActionRemoveHedge         ActionName = "remove_hedge"  // reserved
	ActionCustom              ActionName = "custom"        // reserved
)

// normalizeAction resolves the action-catalog aliases from spec.md §4.10.
func normalizeAction(a ActionName) ActionName {
	switch a {
	case "close_higher_pnl_leg", "lock_profit":
		return ActionCloseMostProfitable
	default:
		return a
	}
}

func isReserved(a ActionName) bool {
	switch a {
	case ActionIncreaseLots, ActionDecreaseLots, ActionRemoveHedge, ActionCustom:
		return true
	default:
		return false
	}
}

// ActionSpec pairs an action with its parameters, e.g. {hedge_type,
// hedge_delta} for add_hedge or {trail_pct} for trailing_stop.
type ActionSpec struct {
	Name   ActionName        `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Rule is {conditions, action, priority, cooldown_seconds} from spec.md
// §4.10, parsed once into an evaluator tree and never re-parsed per tick.
type Rule struct {
	Conditions      Condition
	Action          ActionSpec
	Priority        int
	CooldownSeconds int
}

// Submitter is the subset of the Command Service the engine needs to submit
// EXIT/ENTRY legs.
type Submitter interface {
	Submit(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome
	Register(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome
}

// OptionSelector picks a replacement option at a target delta for roll_ce/
// roll_pe/shift_strikes. It is an injected collaborator: delta estimation
// requires an options-chain/greeks source this engine does not own.
type OptionSelector interface {
	SelectByDelta(ctx context.Context, underlying string, targetDelta decimal.Decimal, side model.Side) (symbol, exchange string, err error)
}

// Engine evaluates one strategy's rule tree per tick and dispatches the
// first firing rule's action through the Command Service, per spec.md
// §4.10.
type Engine struct {
	strategyName string
	clientID     string

	// quantity and side are the strategy's configured lot size and entry
	// side (e.g. SELL for a short strangle); every close/roll/hedge/
	// trailing-stop action this engine dispatches uses these instead of a
	// hardcoded 1-lot BUY, so the size and direction of what gets unwound
	// always matches what was actually opened.
	quantity int64
	side     model.Side

	repo     *store.Repository
	cmds     Submitter
	guard    *guard.Guard
	selector OptionSelector

	rules          []Rule
	globalCooldown time.Duration

	state           model.StrategyExecState
	lastFireAt      time.Time
	actionCooldowns map[ActionName]time.Time
}

func New(strategyName, clientID string, quantity int64, side model.Side, repo *store.Repository, cmds Submitter, g *guard.Guard, selector OptionSelector, rules []Rule, globalCooldown time.Duration) *Engine {
	if globalCooldown <= 0 {
		globalCooldown = 60 * time.Second
	}
	return &Engine{
		strategyName:    strategyName,
		clientID:        clientID,
		quantity:        quantity,
		side:            side,
		repo:            repo,
		cmds:            cmds,
		guard:           g,
		selector:        selector,
		rules:           rules,
		globalCooldown:  globalCooldown,
		actionCooldowns: make(map[ActionName]time.Time),
	}
}

// LoadPersisted restores StrategyExecState from the repository on startup.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	st, err := e.repo.LoadStrategyExecState(ctx, e.strategyName)
	if err != nil {
		return err
	}
	if st != nil {
		e.state = *st
	} else {
		e.state = model.StrategyExecState{StrategyName: e.strategyName}
	}
	return nil
}

// State returns the current StrategyExecState for diagnostics.
func (e *Engine) State() model.StrategyExecState {
	return e.state
}

// Tick evaluates the rule tree once against ctx, in ascending priority,
// firing at most one rule, per spec.md §4.10. Rules suppressed by the
// global or per-action cooldown are skipped.
func (e *Engine) Tick(ctx context.Context, evalCtx EvalContext) error {
	if e.state.Flat {
		return nil
	}

	now := time.Now()
	if now.Before(e.lastFireAt.Add(e.globalCooldown)) {
		return nil
	}

	sorted := make([]Rule, len(e.rules))
	copy(sorted, e.rules)
	sortRulesByPriority(sorted)

	for _, rule := range sorted {
		action := normalizeAction(rule.Action.Name)
		if until, ok := e.actionCooldowns[action]; ok && now.Before(until) {
			continue
		}

		fired, err := rule.Conditions.Eval(evalCtx)
		if err != nil {
			log.Error().Msgf("strategy %s: evaluating rule (priority %d): %v", e.strategyName, rule.Priority, err)
			continue
		}
		if !fired {
			continue
		}

		if err := e.dispatch(ctx, action, rule.Action.Params, evalCtx); err != nil {
			log.Error().Msgf("strategy %s: action %s failed: %v", e.strategyName, action, err)
		}

		e.lastFireAt = now
		cooldown := time.Duration(rule.CooldownSeconds) * time.Second
		if cooldown <= 0 {
			cooldown = e.globalCooldown
		}
		e.actionCooldowns[action] = now.Add(cooldown)

		e.state.UpdatedAt = now
		if err := e.repo.SaveStrategyExecState(ctx, e.state); err != nil {
			log.Error().Msgf("strategy %s: persisting state: %v", e.strategyName, err)
		}
		return nil
	}
	return nil
}

func sortRulesByPriority(rules []Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, action ActionName, params map[string]string, evalCtx EvalContext) error {
	switch action {
	case ActionCloseCE:
		return e.closeLeg(ctx, &e.state.CE, "CE")
	case ActionClosePE:
		return e.closeLeg(ctx, &e.state.PE, "PE")
	case ActionCloseHigherDelta:
		if e.state.CE.Delta.Abs().GreaterThanOrEqual(e.state.PE.Delta.Abs()) {
			return e.closeLeg(ctx, &e.state.CE, "CE")
		}
		return e.closeLeg(ctx, &e.state.PE, "PE")
	case ActionCloseLowerDelta:
		if e.state.CE.Delta.Abs().LessThan(e.state.PE.Delta.Abs()) {
			return e.closeLeg(ctx, &e.state.CE, "CE")
		}
		return e.closeLeg(ctx, &e.state.PE, "PE")
	case ActionCloseMostProfitable:
		if e.state.CE.PnL.GreaterThanOrEqual(e.state.PE.PnL) {
			return e.closeLeg(ctx, &e.state.CE, "CE")
		}
		return e.closeLeg(ctx, &e.state.PE, "PE")
	case ActionRollCE:
		return e.rollLeg(ctx, &e.state.CE, "CE", params)
	case ActionRollPE:
		return e.rollLeg(ctx, &e.state.PE, "PE", params)
	case ActionRollBoth, ActionShiftStrikes:
		if err := e.rollLeg(ctx, &e.state.CE, "CE", params); err != nil {
			return err
		}
		return e.rollLeg(ctx, &e.state.PE, "PE", params)
	case ActionAddHedge:
		return e.addHedge(ctx, params)
	case ActionTrailingStop:
		return e.trailingStop(ctx, params, evalCtx)
	case ActionDoNothing:
		return nil
	default:
		if isReserved(action) {
			return fmt.Errorf("action %q is reserved and not implemented", action)
		}
		return fmt.Errorf("unknown action %q", action)
	}
}

// closeLeg EXITs a leg and, if both legs are now closed, marks the strategy
// flat.
func (e *Engine) closeLeg(ctx context.Context, leg *model.LegState, label string) error {
	if leg.Symbol == "" {
		return nil
	}
	out := e.cmds.Register(ctx, model.OrderCommand{
		ClientID: e.clientID, ExecutionType: model.ExecutionExit, Source: "ADJUSTMENT:" + e.strategyName,
		StrategyName: e.strategyName, Symbol: leg.Symbol, Side: e.side.Opposite(), Quantity: e.quantity,
		Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
	})
	if !out.Success {
		return fmt.Errorf("closing %s leg %s: %w", label, leg.Symbol, out.Err)
	}
	*leg = model.LegState{}
	if e.state.CE.Symbol == "" && e.state.PE.Symbol == "" {
		e.state.Flat = true
	}
	return nil
}

// rollLeg is atomic per spec.md §4.10: EXIT the old leg, select a
// replacement at the configured target delta, and ENTRY it. Both legs of
// the swap must succeed; on any failure the engine clears the Execution
// Guard for the half-adjusted symbol, logs the failure at error level with
// the ADJUSTMENT_FAILED tag, and leaves the reconciliation of what the
// broker actually holds to the next Watcher cycle. No failure status is
// stored for the strategy.
func (e *Engine) rollLeg(ctx context.Context, leg *model.LegState, label string, params map[string]string) error {
	targetDelta := decimal.NewFromFloat(0.30)
	if raw, ok := params["target_delta"]; ok {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			targetDelta = parsed
		}
	}

	oldSymbol := leg.Symbol
	side := e.side // the leg being rolled keeps the strategy's configured side

	exitOut := e.cmds.Register(ctx, model.OrderCommand{
		ClientID: e.clientID, ExecutionType: model.ExecutionExit, Source: "ADJUSTMENT:" + e.strategyName,
		StrategyName: e.strategyName, Symbol: oldSymbol, Side: side.Opposite(), Quantity: e.quantity,
		Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
	})
	if !exitOut.Success {
		return e.markAdjustmentFailed(ctx, oldSymbol, fmt.Errorf("rolling %s leg: exiting %s: %w", label, oldSymbol, exitOut.Err))
	}

	newSymbol, newExchange, err := e.selector.SelectByDelta(ctx, e.strategyName, targetDelta, side)
	if err != nil {
		return e.markAdjustmentFailed(ctx, oldSymbol, fmt.Errorf("rolling %s leg: selecting replacement: %w", label, err))
	}

	entryOut := e.cmds.Submit(ctx, model.OrderCommand{
		ClientID: e.clientID, ExecutionType: model.ExecutionEntry, Source: "ADJUSTMENT:" + e.strategyName,
		StrategyName: e.strategyName, Symbol: newSymbol, Exchange: newExchange, Side: side, Quantity: e.quantity,
		Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
	})
	if !entryOut.Success {
		return e.markAdjustmentFailed(ctx, newSymbol, fmt.Errorf("rolling %s leg: entering %s: %w", label, newSymbol, entryOut.Err))
	}

	*leg = model.LegState{Symbol: newSymbol}
	return nil
}

func (e *Engine) markAdjustmentFailed(ctx context.Context, symbol string, cause error) error {
	e.state.Flat = false
	if err := e.guard.ForceClear(ctx, e.clientID, e.strategyName, symbol); err != nil {
		log.Error().Msgf("strategy %s: clearing guard for half-adjusted symbol %s: %v", e.strategyName, symbol, err)
	}
	log.Error().Msgf("strategy %s: %s (tag=%s)", e.strategyName, cause, model.TagAdjustmentFailed)
	return cause
}

// addHedge BUYs an OTM option near hedge_delta, tagged "<base>::HEDGE" so it
// never collides with the short-strangle guard and is never tracked in main
// leg state.
func (e *Engine) addHedge(ctx context.Context, params map[string]string) error {
	hedgeDelta := decimal.NewFromFloat(0.10)
	if raw, ok := params["hedge_delta"]; ok {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			hedgeDelta = parsed
		}
	}
	hedgeType := params["hedge_type"]
	if hedgeType == "" {
		hedgeType = "both"
	}

	legs := []string{}
	switch hedgeType {
	case "ce":
		legs = []string{"CE"}
	case "pe":
		legs = []string{"PE"}
	default:
		legs = []string{"CE", "PE"}
	}

	for _, label := range legs {
		side := model.SideBuy
		symbol, exchange, err := e.selector.SelectByDelta(ctx, e.strategyName, hedgeDelta, side)
		if err != nil {
			return fmt.Errorf("add_hedge: selecting %s hedge: %w", label, err)
		}
		out := e.cmds.Submit(ctx, model.OrderCommand{
			ClientID: e.clientID, ExecutionType: model.ExecutionEntry, Source: "ADJUSTMENT:" + e.strategyName,
			StrategyName: e.strategyName + "::HEDGE", Symbol: symbol, Exchange: exchange, Side: side, Quantity: e.quantity,
			Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
		})
		if !out.Success {
			return fmt.Errorf("add_hedge: entering %s hedge %s: %w", label, symbol, out.Err)
		}
	}
	return nil
}

// trailingStop activates/advances the PnL-based trailing stop: peak_pnl is
// monotonically non-decreasing and stop_pnl slides up with it. On a breach
// it registers an ordinary EXIT for the CE leg and then for the PE leg
// through closeLeg; no FORCE_EXIT intent is enqueued. The PE exit is still
// attempted when the CE exit fails.
func (e *Engine) trailingStop(ctx context.Context, params map[string]string, evalCtx EvalContext) error {
	trailPct := decimal.NewFromFloat(10)
	if raw, ok := params["trail_pct"]; ok {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			trailPct = parsed
		}
	}

	if !e.state.TrailingActive {
		e.state.TrailingActive = true
		e.state.PeakPnL = evalCtx.CombinedPnL
	} else if evalCtx.CombinedPnL.GreaterThan(e.state.PeakPnL) {
		e.state.PeakPnL = evalCtx.CombinedPnL
	}
	e.state.StopPnL = e.state.PeakPnL.Mul(decimal.NewFromInt(1).Sub(trailPct.Div(decimal.NewFromInt(100))))

	if evalCtx.CombinedPnL.LessThanOrEqual(e.state.StopPnL) {
		log.Info().Msgf("strategy %s: trailing stop breached (combined_pnl=%s stop_pnl=%s), closing both legs", e.strategyName, evalCtx.CombinedPnL, e.state.StopPnL)

		ceErr := e.closeLeg(ctx, &e.state.CE, "CE")
		peErr := e.closeLeg(ctx, &e.state.PE, "PE")
		if ceErr != nil || peErr != nil {
			return fmt.Errorf("trailing_stop: force exit incomplete: ce=%v pe=%v", ceErr, peErr)
		}
	}
	return nil
}
