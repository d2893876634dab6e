package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"ordercore/internal/broker"
)

// BrokerPnLSource computes DailyPnL from the broker's live position
// snapshot: for every open position, mark-to-market against the current LTP
// and sum. It holds no local bookkeeping of its own, matching the Broker
// Adapter's "exchange is the ledger of record" posture used throughout
// internal/positionexit.
type BrokerPnLSource struct {
	broker broker.Adapter
}

// NewBrokerPnLSource constructs a PnLSource backed by a Broker Adapter.
func NewBrokerPnLSource(b broker.Adapter) *BrokerPnLSource {
	return &BrokerPnLSource{broker: b}
}

// DailyPnL sums unrealized mark-to-market P&L across every open position.
// A position's sign is carried by NetQty (negative for a short leg), so
// (ltp - avgPrice) * netQty is correct for both BUY and SELL-origin legs
// without needing the original Side.
func (s *BrokerPnLSource) DailyPnL(ctx context.Context) (float64, error) {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return 0, err
	}

	total := decimal.Zero
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		ltp, err := s.broker.GetLTP(ctx, p.Exchange, p.Symbol)
		if err != nil {
			log.Warn().Msgf("daily pnl: fetching LTP for %s: %v", p.Symbol, err)
			continue
		}
		qty := decimal.NewFromInt(p.NetQty)
		total = total.Add(ltp.Sub(p.AvgPrice).Mul(qty))
	}

	f, _ := total.Float64()
	return f, nil
}
