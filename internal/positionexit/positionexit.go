// Package positionexit implements the Position Exit Service: the sole path
// by which "flatten some or all positions" requests (force exit, a basket's
// bulk unwind, a risk-driven shutdown) turn into EXIT commands, per spec.md
// §4.7. It never constructs quantity or side from local bookkeeping — the
// broker's live position snapshot is the only source of truth, matching the
// teacher's own "the exchange is the ledger of record" posture in
// trader/auto_trader.go's position-sync helpers.
package positionexit

import (
	"context"
	"fmt"

	"ordercore/internal/broker"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
)

var log = obslog.Component("positionexit")

// Registrar is the subset of the Command Service this package depends on.
type Registrar interface {
	Register(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome
}

// Scope selects which positions Flatten considers.
type Scope struct {
	All     bool
	Symbols []string // consulted only when All is false
}

// ProductScope restricts which product types may be flattened. CNC is never
// eligible regardless of this setting, per spec.md §4.7.
type ProductScope string

const (
	ProductScopeMIS  ProductScope = "MIS"
	ProductScopeNRML ProductScope = "NRML"
	ProductScopeAll  ProductScope = "ALL"
)

// Service flattens live broker positions by registering EXIT commands.
type Service struct {
	broker broker.Adapter
	cmds   Registrar
}

func New(b broker.Adapter, cmds Registrar) *Service {
	return &Service{broker: b, cmds: cmds}
}

// Flatten reads get_positions, filters rows matching scope/productScope with
// a non-zero net_qty, and registers one EXIT command per matching row. It
// returns every outcome, in the order positions were returned by the broker,
// so the caller can report partial failures.
func (s *Service) Flatten(ctx context.Context, clientID string, scope Scope, productScope ProductScope, reason model.Tag, source string) ([]model.CommandOutcome, error) {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("flatten: fetching positions: %w", err)
	}

	symbolSet := make(map[string]struct{}, len(scope.Symbols))
	for _, sym := range scope.Symbols {
		symbolSet[sym] = struct{}{}
	}

	var outcomes []model.CommandOutcome
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		if p.Product == model.ProductCNC {
			continue
		}
		if productScope != ProductScopeAll && p.Product != model.Product(productScope) {
			continue
		}
		if !scope.All {
			if _, ok := symbolSet[p.Symbol]; !ok {
				continue
			}
		}

		side := model.SideSell
		qty := p.NetQty
		if qty < 0 {
			side = model.SideBuy
			qty = -qty
		}

		cmd := model.OrderCommand{
			ClientID:      clientID,
			ExecutionType: model.ExecutionExit,
			Source:        source,
			Symbol:        p.Symbol,
			Exchange:      p.Exchange,
			Side:          side,
			Quantity:      qty,
			Product:       p.Product,
			OrderType:     model.OrderTypeMarket,
		}
		out := s.cmds.Register(ctx, cmd)
		if out.Tag == "" {
			out.Tag = reason
		}
		if !out.Success {
			log.Warn().Msgf("flatten: registering exit for %s failed: %v", p.Symbol, out.Err)
		}
		outcomes = append(outcomes, out)
	}

	log.Info().Msgf("flatten: registered %d exit command(s), scope=%+v product_scope=%s reason=%s", len(outcomes), scope, productScope, reason)
	return outcomes, nil
}
