// Package watcher implements the Order Watcher: the single background loop
// that reconciles local order state against the broker's own book, submits
// queued EXITs, and monitors SL/target/trailing breaches, per spec.md §4.9.
// It is the sole executor of exits; no other component calls place_order
// with execution_type=EXIT. Grounded on trader/auto_trader.go's Run/Stop
// ticker lifecycle, generalized from one AI decision cycle to three
// reconciliation passes per tick.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/broker"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
)

var log = obslog.Component("watcher")

// Watcher is the single background reconciliation loop.
type Watcher struct {
	repo         *store.Repository
	broker       broker.Adapter
	guard        *guard.Guard
	scriptmaster *scriptmaster.Client
	clientID     string
	pollInterval time.Duration

	// firedSLTarget prevents a second EXIT for the same command_id once a
	// breach has already been acted on in an earlier cycle.
	firedSLTarget map[string]bool
}

func New(repo *store.Repository, b broker.Adapter, g *guard.Guard, sm *scriptmaster.Client, clientID string, pollInterval time.Duration) *Watcher {
	return &Watcher{
		repo: repo, broker: b, guard: g, scriptmaster: sm, clientID: clientID,
		pollInterval:  pollInterval,
		firedSLTarget: make(map[string]bool),
	}
}

// Run executes one cycle per tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs all three passes in spec order: reconciliation must happen
// before new submissions so a freshly filled order cannot be double-exited
// (spec.md §4.9 ordering guarantee).
func (w *Watcher) RunOnce(ctx context.Context) {
	if err := w.ReconcileBrokerOrders(ctx); err != nil {
		log.Error().Msgf("reconcile_broker_orders: %v", err)
	}
	if err := w.ProcessOpenIntents(ctx); err != nil {
		log.Error().Msgf("process_open_intents: %v", err)
	}
	if err := w.MonitorSLTargetTrailing(ctx); err != nil {
		log.Error().Msgf("monitor_sl_target_trailing: %v", err)
	}
}

// ReconcileBrokerOrders fetches get_order_book, joins by broker_order_id,
// and advances local status to match the broker's fate, per spec.md §4.9
// step 1.
func (w *Watcher) ReconcileBrokerOrders(ctx context.Context) error {
	book, err := w.broker.GetOrderBook(ctx)
	if err != nil {
		return fmt.Errorf("fetching order book: %w", err)
	}

	byBrokerID := make(map[string]broker.BookEntry, len(book))
	for _, e := range book {
		byBrokerID[e.BrokerOrderID] = e
	}

	open, err := w.repo.ListOpen(ctx, w.clientID)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}

	seen := make(map[string]bool, len(open))
	for _, rec := range open {
		seen[rec.BrokerOrderID] = true
		if rec.BrokerOrderID == "" {
			// R1: never advance a CREATED record without a broker_order_id;
			// only the submit path (Command Service / ProcessOpenIntents) may.
			continue
		}
		entry, ok := byBrokerID[rec.BrokerOrderID]
		if !ok {
			continue
		}

		var to model.OrderStatus
		var tag model.Tag
		switch entry.Status {
		case broker.BrokerComplete:
			to = model.StatusExecuted
		case broker.BrokerRejected:
			to, tag = model.StatusFailed, model.TagBrokerRejected
		case broker.BrokerCancelled:
			to, tag = model.StatusFailed, model.TagBrokerCancelled
		case broker.BrokerExpired:
			to, tag = model.StatusFailed, model.TagBrokerExpired
		default:
			continue // OPEN/PENDING: no transition yet
		}

		if err := w.repo.UpdateStatus(ctx, rec.CommandID, to, tag); err != nil {
			log.Error().Msgf("reconcile: updating %s to %s: %v", rec.CommandID, to, err)
			continue
		}
		if to.IsTerminal() {
			if err := w.guard.ForceClear(ctx, rec.ClientID, rec.StrategyName, rec.Symbol); err != nil {
				log.Error().Msgf("reconcile: force_clear for %s: %v", rec.CommandID, err)
			}
		}
	}

	// Any broker order with no local match becomes a BROKER_ONLY shadow
	// record so the repository is a superset of what the broker shows.
	for brokerID, entry := range byBrokerID {
		if brokerID == "" || seen[brokerID] {
			continue
		}
		if _, err := w.repo.GetByBrokerOrderID(ctx, brokerID); err == nil {
			continue // already tracked under a different open-list filter
		}
		rec := &model.OrderRecord{
			CommandID:     model.NewCommandID(),
			BrokerOrderID: brokerID,
			ClientID:      w.clientID,
			ExecutionType: model.ExecutionBrokerOnly,
			Status:        brokerStatusToLocal(entry.Status),
			Source:        "WATCHER",
			Quantity:      entry.FilledQty,
			Price:         entry.AvgPrice,
			TriggerPrice:  decimal.Zero,
			StopLoss:      decimal.Zero,
			Target:        decimal.Zero,
			TrailingValue: decimal.Zero,
			TrailingHigh:  decimal.Zero,
			TrailingType:  model.TrailingNone,
			Product:       model.ProductNRML,
			OrderType:     model.OrderTypeMarket,
			Side:          model.SideBuy,
		}
		if err := w.repo.CreateOrder(ctx, rec); err != nil {
			log.Error().Msgf("reconcile: creating broker_only shadow record for %s: %v", brokerID, err)
		}
	}

	return nil
}

func brokerStatusToLocal(s broker.OrderBookStatus) model.OrderStatus {
	switch s {
	case broker.BrokerComplete:
		return model.StatusExecuted
	case broker.BrokerRejected, broker.BrokerCancelled, broker.BrokerExpired:
		return model.StatusFailed
	default:
		return model.StatusSentToBroker
	}
}

// ProcessOpenIntents submits queued EXIT records still in CREATED, applying
// script-master normalization (LIMIT-as-MARKET when MARKET is forbidden for
// the instrument), per spec.md §4.9 step 2.
func (w *Watcher) ProcessOpenIntents(ctx context.Context) error {
	created, err := w.repo.ListByStatus(ctx, w.clientID, model.StatusCreated)
	if err != nil {
		return fmt.Errorf("listing created orders: %w", err)
	}

	for _, rec := range created {
		if rec.ExecutionType != model.ExecutionExit {
			continue // only the Watcher submits exits; entries go through the Command Service
		}

		orderType := rec.OrderType
		price := rec.Price
		if inst, err := w.scriptmaster.Lookup(rec.Exchange, rec.Symbol); err == nil {
			if orderType == model.OrderTypeMarket && !inst.MarketAllowed {
				ltp, err := w.broker.GetLTP(ctx, rec.Exchange, rec.Symbol)
				if err != nil {
					log.Error().Msgf("process_open_intents: get_ltp for %s: %v", rec.Symbol, err)
					continue
				}
				orderType = model.OrderTypeLimit
				price = scriptmaster.AggressiveLimit(rec.Side, ltp, inst.LimitAggressiveOffset)
			}
		}

		res, err := w.broker.PlaceOrder(ctx, broker.PlaceOrderParams{
			Symbol: rec.Symbol, Exchange: rec.Exchange, Side: rec.Side, Quantity: rec.Quantity,
			Product: rec.Product, OrderType: orderType, Price: price, TriggerPrice: rec.TriggerPrice,
			IdempotencyKey: rec.CommandID,
		})
		if err != nil {
			if ferr := w.repo.UpdateStatus(ctx, rec.CommandID, model.StatusFailed, model.TagBrokerUnreachable); ferr != nil {
				log.Error().Msgf("process_open_intents: marking %s failed: %v", rec.CommandID, ferr)
			}
			continue
		}
		if !res.Success {
			if ferr := w.repo.UpdateStatus(ctx, rec.CommandID, model.StatusFailed, model.TagBrokerRejected); ferr != nil {
				log.Error().Msgf("process_open_intents: marking %s failed: %v", rec.CommandID, ferr)
			}
			continue
		}

		if err := w.repo.UpdateBrokerOrderID(ctx, rec.CommandID, res.BrokerOrderID); err != nil {
			log.Error().Msgf("process_open_intents: recording broker_order_id for %s: %v", rec.CommandID, err)
		}
		if err := w.repo.UpdateStatus(ctx, rec.CommandID, model.StatusSentToBroker, ""); err != nil {
			log.Error().Msgf("process_open_intents: advancing %s to sent_to_broker: %v", rec.CommandID, err)
		}
	}
	return nil
}

// MonitorSLTargetTrailing watches open ENTRY records with SL/target/trailing
// configured, fetches get_ltp, advances trailing_high monotonically, and
// emits a single EXIT on breach, per spec.md §4.9 step 3. It scans both
// SENT_TO_BROKER and EXECUTED ENTRYs: ReconcileBrokerOrders (pass 1, earlier
// in the same tick) advances a filled ENTRY straight to EXECUTED, and a
// filled position is exactly the case SL/target/trailing exists to protect
// — watching only SENT_TO_BROKER would make every fill invisible to this
// pass from the tick it fills onward.
func (w *Watcher) MonitorSLTargetTrailing(ctx context.Context) error {
	candidates, err := w.repo.ListByStatuses(ctx, w.clientID, []model.OrderStatus{model.StatusSentToBroker, model.StatusExecuted})
	if err != nil {
		return fmt.Errorf("listing monitor candidates: %w", err)
	}

	var positions []broker.Position
	positionsLoaded := false

	for _, rec := range candidates {
		if rec.ExecutionType != model.ExecutionEntry {
			continue
		}
		if rec.StopLoss.IsZero() && rec.Target.IsZero() && rec.TrailingType == model.TrailingNone {
			continue
		}
		if w.firedSLTarget[rec.CommandID] {
			continue
		}

		ltp, err := w.broker.GetLTP(ctx, rec.Exchange, rec.Symbol)
		if err != nil {
			log.Error().Msgf("monitor_sl_target_trailing: get_ltp for %s: %v", rec.Symbol, err)
			continue
		}

		w.advanceTrailing(ctx, rec, ltp)

		if !w.breached(rec, ltp) {
			continue
		}

		// The position may already have been closed through a route other
		// than this breach (operator exit, force-exit, flatten). Confirm
		// against the broker's own book before emitting a second EXIT for a
		// position that no longer exists.
		if !positionsLoaded {
			positions, err = w.broker.GetPositions(ctx)
			if err != nil {
				log.Error().Msgf("monitor_sl_target_trailing: get_positions: %v", err)
			} else {
				positionsLoaded = true
			}
		}
		if positionsLoaded && !hasOpenPosition(positions, rec.Symbol) {
			w.firedSLTarget[rec.CommandID] = true
			continue
		}

		w.firedSLTarget[rec.CommandID] = true
		exit := model.OrderCommand{
			ClientID: rec.ClientID, ExecutionType: model.ExecutionExit, Source: "WATCHER",
			StrategyName: rec.StrategyName, Symbol: rec.Symbol, Exchange: rec.Exchange,
			Side: rec.Side.Opposite(), Quantity: rec.Quantity, Product: rec.Product,
			OrderType: model.OrderTypeMarket,
		}
		exitRec := &model.OrderRecord{
			CommandID: model.NewCommandID(), ClientID: exit.ClientID, ExecutionType: exit.ExecutionType,
			Status: model.StatusCreated, Source: exit.Source, StrategyName: exit.StrategyName,
			Symbol: exit.Symbol, Exchange: exit.Exchange, Side: exit.Side, Quantity: exit.Quantity,
			Product: exit.Product, OrderType: exit.OrderType,
			Price: decimal.Zero, TriggerPrice: decimal.Zero, StopLoss: decimal.Zero, Target: decimal.Zero,
			TrailingType: model.TrailingNone, TrailingValue: decimal.Zero, TrailingHigh: decimal.Zero,
		}
		if err := w.repo.CreateOrder(ctx, exitRec); err != nil {
			log.Error().Msgf("monitor_sl_target_trailing: creating exit for %s: %v", rec.CommandID, err)
			continue
		}
		log.Info().Msgf("sl/target/trailing breach on %s: emitted exit %s", rec.CommandID, exitRec.CommandID)
	}
	return nil
}

func hasOpenPosition(positions []broker.Position, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && p.NetQty != 0 {
			return true
		}
	}
	return false
}

func (w *Watcher) advanceTrailing(ctx context.Context, rec *model.OrderRecord, ltp decimal.Decimal) {
	if rec.TrailingType == model.TrailingNone {
		return
	}
	favorable := ltp
	if rec.Side == model.SideSell {
		// short leg: favorable movement is downward, so track the running low
		// the same way trailing_high tracks the running high for a long leg.
		favorable = ltp.Neg()
	}
	if rec.TrailingHigh.IsZero() || favorable.GreaterThan(rec.TrailingHigh) {
		if err := w.repo.UpdateTrailingHigh(ctx, rec.CommandID, favorable.String()); err != nil {
			log.Error().Msgf("monitor_sl_target_trailing: updating trailing_high for %s: %v", rec.CommandID, err)
		}
		rec.TrailingHigh = favorable
	}
}

// breached evaluates SL/target/trailing with strict inequality against the
// side convention: for a BUY entry, price falling below StopLoss or rising
// above Target breaches; for a SELL entry, the inequalities invert. A price
// exactly at a level does not breach.
func (w *Watcher) breached(rec *model.OrderRecord, ltp decimal.Decimal) bool {
	if rec.Side == model.SideBuy {
		if !rec.StopLoss.IsZero() && ltp.LessThan(rec.StopLoss) {
			return true
		}
		if !rec.Target.IsZero() && ltp.GreaterThan(rec.Target) {
			return true
		}
	} else {
		if !rec.StopLoss.IsZero() && ltp.GreaterThan(rec.StopLoss) {
			return true
		}
		if !rec.Target.IsZero() && ltp.LessThan(rec.Target) {
			return true
		}
	}
	if rec.TrailingType != model.TrailingNone && !rec.TrailingHigh.IsZero() {
		stopLevel := trailingStopLevel(rec)
		current := ltp
		if rec.Side == model.SideSell {
			current = ltp.Neg()
		}
		if current.LessThan(stopLevel) {
			return true
		}
	}
	return false
}

// trailingStopLevel computes the stop level implied by trailing_high for
// each TrailingType: POINTS/ABSOLUTE subtract a fixed distance, PERCENT
// subtracts a distance proportional to the running high.
func trailingStopLevel(rec *model.OrderRecord) decimal.Decimal {
	switch rec.TrailingType {
	case model.TrailingPercent:
		pct := rec.TrailingValue.Div(decimal.NewFromInt(100))
		return rec.TrailingHigh.Sub(rec.TrailingHigh.Abs().Mul(pct))
	case model.TrailingAbsolute, model.TrailingPoints:
		return rec.TrailingHigh.Sub(rec.TrailingValue)
	default:
		return rec.TrailingHigh
	}
}
