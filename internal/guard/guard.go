// Package guard implements the Execution Guard: the three-tier duplicate and
// conflict check from spec.md §4.4. Tier 1 (memory) is owned here; tiers 2
// and 3 call out to the Repository and Broker Adapter respectively.
package guard

import (
	"context"
	"fmt"
	"sync"

	"ordercore/internal/broker"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/store"
)

var log = obslog.Component("guard")

// Guard denies duplicate ENTRYs and conflicting positions; it never
// restricts EXITs, per spec.md §4.4.
type Guard struct {
	repo   *store.Repository
	broker broker.Adapter

	mu    sync.RWMutex
	state *model.GuardState
}

func New(repo *store.Repository, b broker.Adapter) *Guard {
	return &Guard{
		repo:   repo,
		broker: b,
		state:  model.NewGuardState(),
	}
}

// RegisterAttempt inserts (clientID, symbol) into the in-flight set. Call it
// before a submission attempt so a concurrent second ENTRY sees the first at
// the memory tier.
func (g *Guard) RegisterAttempt(clientID, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.PendingCommands[model.GuardKey{ClientID: clientID, Symbol: symbol}] = struct{}{}
}

// Release removes (clientID, symbol) from the in-flight set. Call on any
// terminal status for the command that registered it.
func (g *Guard) Release(clientID, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.state.PendingCommands, model.GuardKey{ClientID: clientID, Symbol: symbol})
}

// ForceClear is called by the Watcher whenever reconciliation moves a record
// to a terminal status, and by the Adjustment Engine after a failed roll: it
// releases the memory tier and, if the strategy now has no open orders for
// symbol and the broker shows no position in it, drops the strategy from
// active_strategies too.
func (g *Guard) ForceClear(ctx context.Context, clientID, strategyName, symbol string) error {
	g.Release(clientID, symbol)

	open, err := g.repo.ListOpenByStrategy(ctx, clientID, strategyName, symbol)
	if err != nil {
		return fmt.Errorf("force_clear: checking remaining open orders: %w", err)
	}
	if len(open) > 0 {
		return nil
	}

	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("force_clear: checking broker positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.NetQty != 0 {
			return nil
		}
	}

	g.mu.Lock()
	delete(g.state.ActiveStrategies, strategyName)
	g.mu.Unlock()
	return nil
}

// CheckResult is the outcome of CheckEntry.
type CheckResult struct {
	Blocked bool
	Tag     model.Tag
}

// CheckEntry runs the three tiers in order for an ENTRY attempt. Exits
// always pass and never call this.
func (g *Guard) CheckEntry(ctx context.Context, clientID, strategyName, symbol string, side model.Side) (CheckResult, error) {
	// Tier 1: memory.
	g.mu.RLock()
	_, pending := g.state.PendingCommands[model.GuardKey{ClientID: clientID, Symbol: symbol}]
	g.mu.RUnlock()
	if pending {
		return CheckResult{Blocked: true, Tag: model.TagDuplicateOrderBlocked}, nil
	}

	// Tier 2: repository — any open order for the same strategy+symbol.
	open, err := g.repo.ListOpenByStrategy(ctx, clientID, strategyName, symbol)
	if err != nil {
		return CheckResult{}, fmt.Errorf("checking open orders: %w", err)
	}
	if len(open) > 0 {
		return CheckResult{Blocked: true, Tag: model.TagDuplicateOrderBlocked}, nil
	}

	// Tier 3: broker — any non-zero net_qty for the same symbol.
	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("checking broker positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.NetQty != 0 {
			return CheckResult{Blocked: true, Tag: model.TagDuplicateOrderBlocked}, nil
		}
	}

	return CheckResult{}, nil
}

// ReconcileWithBroker rebuilds active_strategies from repository open orders
// intersected with broker positions. Called on startup and after emergency
// exits, per spec.md §4.4.
func (g *Guard) ReconcileWithBroker(ctx context.Context, clientID string) error {
	open, err := g.repo.ListOpen(ctx, clientID)
	if err != nil {
		return fmt.Errorf("reconcile_with_broker: listing open orders: %w", err)
	}
	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile_with_broker: fetching broker positions: %w", err)
	}
	bySymbol := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.NetQty != 0 {
			bySymbol[p.Symbol] = true
		}
	}

	active := make(map[string]struct{})
	for _, rec := range open {
		if rec.StrategyName != "" && bySymbol[rec.Symbol] {
			active[rec.StrategyName] = struct{}{}
		}
	}

	g.mu.Lock()
	g.state.ActiveStrategies = active
	g.mu.Unlock()
	log.Info().Msgf("reconciled guard: %d active strategies", len(active))
	return nil
}

// Snapshot returns a point-in-time, lock-free-to-the-caller copy for
// diagnostics (the ops HTTP surface).
func (g *Guard) Snapshot() (pending []model.GuardKey, activeStrategies []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k := range g.state.PendingCommands {
		pending = append(pending, k)
	}
	for s := range g.state.ActiveStrategies {
		activeStrategies = append(activeStrategies, s)
	}
	return pending, activeStrategies
}
