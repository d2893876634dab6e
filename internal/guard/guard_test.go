package guard

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/broker"
	"ordercore/internal/model"
	"ordercore/internal/store"
)

type fakeBroker struct {
	positions []broker.Position
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) (broker.PlaceOrderResult, error) {
	return broker.PlaceOrderResult{Success: true, BrokerOrderID: "B1"}, nil
}
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]broker.BookEntry, error) { return nil, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestGuard(t *testing.T, fb *fakeBroker) (*Guard, *store.Repository) {
	t.Helper()
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return New(repo, fb), repo
}

func TestCheckEntryMemoryTierBlocks(t *testing.T) {
	g, _ := newTestGuard(t, &fakeBroker{})
	g.RegisterAttempt("acct-1", "NIFTY24000CE")

	res, err := g.CheckEntry(context.Background(), "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, model.TagDuplicateOrderBlocked, res.Tag)
}

func TestCheckEntryRepositoryTierBlocks(t *testing.T) {
	g, repo := newTestGuard(t, &fakeBroker{})
	ctx := context.Background()
	require.NoError(t, repo.CreateOrder(ctx, &model.OrderRecord{
		CommandID: "c1", ClientID: "acct-1", ExecutionType: model.ExecutionEntry, Status: model.StatusSentToBroker,
		StrategyName: "S1", Symbol: "NIFTY24000CE", Exchange: "NFO", Side: model.SideSell, Quantity: 50,
		Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
		Price: decimal.Zero, TriggerPrice: decimal.Zero, StopLoss: decimal.Zero, Target: decimal.Zero,
		TrailingType: model.TrailingNone, TrailingValue: decimal.Zero, TrailingHigh: decimal.Zero,
	}))

	res, err := g.CheckEntry(ctx, "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
}

func TestCheckEntryBrokerTierBlocks(t *testing.T) {
	g, _ := newTestGuard(t, &fakeBroker{positions: []broker.Position{
		{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: model.ProductNRML, NetQty: -50},
	}})

	res, err := g.CheckEntry(context.Background(), "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
}

func TestCheckEntryPassesWhenClear(t *testing.T) {
	g, _ := newTestGuard(t, &fakeBroker{})
	res, err := g.CheckEntry(context.Background(), "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestReleaseClearsMemoryTier(t *testing.T) {
	g, _ := newTestGuard(t, &fakeBroker{})
	g.RegisterAttempt("acct-1", "NIFTY24000CE")
	g.Release("acct-1", "NIFTY24000CE")

	res, err := g.CheckEntry(context.Background(), "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestReconcileWithBrokerRebuildsActiveStrategies(t *testing.T) {
	g, repo := newTestGuard(t, &fakeBroker{positions: []broker.Position{
		{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: model.ProductNRML, NetQty: -50},
	}})
	ctx := context.Background()
	require.NoError(t, repo.CreateOrder(ctx, &model.OrderRecord{
		CommandID: "c1", ClientID: "acct-1", ExecutionType: model.ExecutionEntry, Status: model.StatusSentToBroker,
		StrategyName: "S1", Symbol: "NIFTY24000CE", Exchange: "NFO", Side: model.SideSell, Quantity: 50,
		Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
		Price: decimal.Zero, TriggerPrice: decimal.Zero, StopLoss: decimal.Zero, Target: decimal.Zero,
		TrailingType: model.TrailingNone, TrailingValue: decimal.Zero, TrailingHigh: decimal.Zero,
	}))

	require.NoError(t, g.ReconcileWithBroker(ctx, "acct-1"))
	_, active := g.Snapshot()
	assert.Contains(t, active, "S1")
}
