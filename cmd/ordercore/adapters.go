package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/adjustment"
	"ordercore/internal/broker"
	"ordercore/internal/model"
	"ordercore/internal/store"
)

// brokerMarketData computes the per-tick EvalContext an Adjustment Engine
// needs from the Broker Adapter's live LTP and the strategy's persisted
// entry prices. It has no greeks source (spec.md names this collaborator
// without defining one), so ce_delta/pe_delta-based conditions always see
// zero here; an operator wiring a real pricing/greeks service replaces this
// type with one that fills those fields.
type brokerMarketData struct {
	broker broker.Adapter
	repo   *store.Repository
}

func (m *brokerMarketData) Snapshot(ctx context.Context, cfg model.StrategyConfig) (adjustment.EvalContext, error) {
	st, err := m.repo.LoadStrategyExecState(ctx, cfg.StrategyName)
	if err != nil {
		return adjustment.EvalContext{}, fmt.Errorf("loading strategy exec state: %w", err)
	}
	if st == nil {
		return adjustment.EvalContext{}, nil
	}

	cePnL, err := m.legPnL(ctx, cfg.Exchange, st.CE, cfg.Side, cfg.Quantity)
	if err != nil {
		return adjustment.EvalContext{}, err
	}
	pePnL, err := m.legPnL(ctx, cfg.Exchange, st.PE, cfg.Side, cfg.Quantity)
	if err != nil {
		return adjustment.EvalContext{}, err
	}

	now := time.Now()
	return adjustment.EvalContext{
		TimeCurrentMinutes: now.Hour()*60 + now.Minute(),
		CEPnL:              cePnL,
		PEPnL:              pePnL,
		CombinedPnL:        cePnL.Add(pePnL),
	}, nil
}

func (m *brokerMarketData) legPnL(ctx context.Context, exchange string, leg model.LegState, side model.Side, qty int64) (decimal.Decimal, error) {
	if leg.Symbol == "" {
		return decimal.Zero, nil
	}
	ltp, err := m.broker.GetLTP(ctx, exchange, leg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching LTP for %s: %w", leg.Symbol, err)
	}

	diff := ltp.Sub(leg.EntryPrice)
	if side == model.SideSell {
		diff = diff.Neg() // sold a leg: profit when price falls
	}
	return diff.Mul(decimal.NewFromInt(qty)), nil
}

// noGreeksSelector reports that no delta-based option selection is
// configured. roll_ce/roll_pe/add_hedge actions fail cleanly through the
// Adjustment Engine's markAdjustmentFailed path rather than silently picking
// a wrong strike.
type noGreeksSelector struct{}

func (noGreeksSelector) SelectByDelta(ctx context.Context, underlying string, targetDelta decimal.Decimal, side model.Side) (string, string, error) {
	return "", "", errors.New("no option-chain/greeks service configured: cannot select by delta")
}

// fileRuleProvider loads each strategy's Adjustment Engine rules from
// <rulesDir>/<strategy_name>.json, parsed once at RulesFor time via
// adjustment.ParseRulesJSON. A missing file means the strategy runs with no
// configured rules (the engine still ticks, every rule simply never
// matches).
type fileRuleProvider struct {
	rulesDir string
}

func (p *fileRuleProvider) RulesFor(strategyName string) []adjustment.Rule {
	path := filepath.Join(p.rulesDir, strategyName+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Msgf("reading rules file %s: %v", path, err)
		}
		return nil
	}

	rules, err := adjustment.ParseRulesJSON(raw)
	if err != nil {
		log.Error().Msgf("parsing rules file %s: %v", path, err)
		return nil
	}
	return rules
}
