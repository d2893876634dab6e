package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/broker"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
)

type fakeBroker struct {
	book      []broker.BookEntry
	positions []broker.Position
	ltp       decimal.Decimal
	placed    []broker.PlaceOrderParams
	result    broker.PlaceOrderResult
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) (broker.PlaceOrderResult, error) {
	f.placed = append(f.placed, p)
	if f.result.BrokerOrderID == "" && f.result.Success {
		f.result.BrokerOrderID = "B-new"
	}
	return f.result, nil
}
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]broker.BookEntry, error) { return f.book, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	return f.ltp, nil
}

func newTestScriptmaster(t *testing.T) *scriptmaster.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	data, err := json.Marshal([]scriptmaster.Instrument{
		{Exchange: "NFO", Symbol: "A", LotSize: 1, TickSize: decimal.NewFromFloat(0.05), MarketAllowed: true},
		{Exchange: "NFO", Symbol: "NOMARKET", LotSize: 1, TickSize: decimal.NewFromFloat(0.05), MarketAllowed: false, LimitAggressiveOffset: decimal.NewFromFloat(1)},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	sm, err := scriptmaster.Load(path)
	require.NoError(t, err)
	return sm
}

func newTestWatcher(t *testing.T, fb *fakeBroker) (*Watcher, *store.Repository) {
	t.Helper()
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	g := guard.New(repo, fb)
	sm := newTestScriptmaster(t)
	return New(repo, fb, g, sm, "acct-1", time.Second), repo
}

func baseOrder(commandID string) *model.OrderRecord {
	return &model.OrderRecord{
		CommandID: commandID, ClientID: "acct-1", ExecutionType: model.ExecutionEntry,
		Status: model.StatusSentToBroker, StrategyName: "S1", Symbol: "A", Exchange: "NFO",
		Side: model.SideBuy, Quantity: 10, Product: model.ProductNRML, OrderType: model.OrderTypeMarket,
		BrokerOrderID: "B1",
		Price:         decimal.Zero, TriggerPrice: decimal.Zero, StopLoss: decimal.Zero, Target: decimal.Zero,
		TrailingType: model.TrailingNone, TrailingValue: decimal.Zero, TrailingHigh: decimal.Zero,
	}
}

func TestReconcileBrokerOrdersAdvancesCompleteToExecuted(t *testing.T) {
	fb := &fakeBroker{book: []broker.BookEntry{{BrokerOrderID: "B1", Status: broker.BrokerComplete}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.BrokerOrderID = "B1"
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.ReconcileBrokerOrders(ctx))

	got, err := repo.GetByCommandID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, got.Status)
}

func TestReconcileBrokerOrdersMarksRejectedFailedAndClearsGuard(t *testing.T) {
	fb := &fakeBroker{book: []broker.BookEntry{{BrokerOrderID: "B1", Status: broker.BrokerRejected}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.BrokerOrderID = "B1"
	require.NoError(t, repo.CreateOrder(ctx, rec))
	w.guard.RegisterAttempt("acct-1", "A")

	require.NoError(t, w.ReconcileBrokerOrders(ctx))

	got, err := repo.GetByCommandID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.TagBrokerRejected, got.Tag)

	pending, _ := w.guard.Snapshot()
	assert.Empty(t, pending)
}

func TestReconcileBrokerOrdersNeverAdvancesRecordWithoutBrokerID(t *testing.T) {
	fb := &fakeBroker{book: []broker.BookEntry{{BrokerOrderID: "B1", Status: broker.BrokerComplete}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.Status = model.StatusCreated
	rec.BrokerOrderID = ""
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.ReconcileBrokerOrders(ctx))

	got, err := repo.GetByCommandID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, got.Status)
}

func TestReconcileBrokerOrdersCreatesShadowRecordForUnmatchedBrokerOrder(t *testing.T) {
	fb := &fakeBroker{book: []broker.BookEntry{{BrokerOrderID: "B-unknown", Status: broker.BrokerOpen, FilledQty: 5}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	require.NoError(t, w.ReconcileBrokerOrders(ctx))

	got, err := repo.GetByBrokerOrderID(ctx, "B-unknown")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionBrokerOnly, got.ExecutionType)
}

func TestProcessOpenIntentsSubmitsExitAndAdvancesStatus(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B-exit"}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.Status = model.StatusCreated
	rec.ExecutionType = model.ExecutionExit
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.ProcessOpenIntents(ctx))

	got, err := repo.GetByCommandID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSentToBroker, got.Status)
	assert.Equal(t, "B-exit", got.BrokerOrderID)
}

func TestProcessOpenIntentsConvertsMarketToLimitWhenForbidden(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B-exit"}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.Status = model.StatusCreated
	rec.ExecutionType = model.ExecutionExit
	rec.Symbol = "NOMARKET"
	rec.Side = model.SideSell
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.ProcessOpenIntents(ctx))

	require.Len(t, fb.placed, 1)
	assert.Equal(t, model.OrderTypeLimit, fb.placed[0].OrderType)
}

func TestMonitorSLTargetTrailingEmitsExitOnStopLossBreach(t *testing.T) {
	fb := &fakeBroker{ltp: decimal.NewFromInt(90), positions: []broker.Position{{Symbol: "A", NetQty: 10}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.StopLoss = decimal.NewFromInt(95)
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.MonitorSLTargetTrailing(ctx))

	open, err := repo.ListOpen(ctx, "acct-1")
	require.NoError(t, err)
	var exits int
	for _, r := range open {
		if r.ExecutionType == model.ExecutionExit {
			exits++
			assert.Equal(t, model.SideSell, r.Side) // opposite of the long entry
		}
	}
	assert.Equal(t, 1, exits)
}

func TestMonitorSLTargetTrailingFiresExactlyOncePerOrder(t *testing.T) {
	fb := &fakeBroker{ltp: decimal.NewFromInt(90), positions: []broker.Position{{Symbol: "A", NetQty: 10}}}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.StopLoss = decimal.NewFromInt(95)
	require.NoError(t, repo.CreateOrder(ctx, rec))

	require.NoError(t, w.MonitorSLTargetTrailing(ctx))
	require.NoError(t, w.MonitorSLTargetTrailing(ctx))

	open, err := repo.ListOpen(ctx, "acct-1")
	require.NoError(t, err)
	var exits int
	for _, r := range open {
		if r.ExecutionType == model.ExecutionExit {
			exits++
		}
	}
	assert.Equal(t, 1, exits)
}

func TestMonitorSLTargetTrailingStillFiresAfterFillReconciled(t *testing.T) {
	fb := &fakeBroker{
		book: []broker.BookEntry{{BrokerOrderID: "B1", Status: broker.BrokerComplete}},
		ltp:  decimal.NewFromInt(90),
	}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.StopLoss = decimal.NewFromInt(95)
	require.NoError(t, repo.CreateOrder(ctx, rec))

	// Cycle 1: reconcile fills the ENTRY to EXECUTED before monitor runs,
	// exactly as RunOnce orders its three passes.
	require.NoError(t, w.ReconcileBrokerOrders(ctx))

	got, err := repo.GetByCommandID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, model.StatusExecuted, got.Status)

	// Pretend the fill produced a live broker position so the breach check
	// doesn't short-circuit on "already flat".
	fb.positions = []broker.Position{{Symbol: "A", NetQty: 10}}

	require.NoError(t, w.MonitorSLTargetTrailing(ctx))

	all, err := repo.ListByStatuses(ctx, "acct-1", []model.OrderStatus{model.StatusCreated, model.StatusSentToBroker, model.StatusExecuted})
	require.NoError(t, err)
	var exits int
	for _, r := range all {
		if r.ExecutionType == model.ExecutionExit {
			exits++
			assert.Equal(t, model.SideSell, r.Side)
		}
	}
	assert.Equal(t, 1, exits, "a filled ENTRY must still be reachable by SL/target/trailing monitoring")
}

func TestMonitorSLTargetTrailingSkipsBreachIfPositionAlreadyClosed(t *testing.T) {
	fb := &fakeBroker{ltp: decimal.NewFromInt(90)}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.Status = model.StatusExecuted
	rec.StopLoss = decimal.NewFromInt(95)
	require.NoError(t, repo.CreateOrder(ctx, rec))

	// No broker position left for the symbol: it was already closed through
	// another route (operator exit, force-exit, flatten).
	fb.positions = nil

	require.NoError(t, w.MonitorSLTargetTrailing(ctx))

	all, err := repo.ListByStatuses(ctx, "acct-1", []model.OrderStatus{model.StatusCreated, model.StatusSentToBroker, model.StatusExecuted})
	require.NoError(t, err)
	for _, r := range all {
		assert.NotEqual(t, model.ExecutionExit, r.ExecutionType, "must not emit a phantom exit for an already-closed position")
	}
}

func TestAdvanceTrailingNeverDecreases(t *testing.T) {
	fb := &fakeBroker{}
	w, repo := newTestWatcher(t, fb)
	ctx := context.Background()

	rec := baseOrder("c1")
	rec.TrailingType = model.TrailingPoints
	rec.TrailingValue = decimal.NewFromInt(5)
	require.NoError(t, repo.CreateOrder(ctx, rec))

	w.advanceTrailing(ctx, rec, decimal.NewFromInt(100))
	assert.True(t, rec.TrailingHigh.Equal(decimal.NewFromInt(100)))

	w.advanceTrailing(ctx, rec, decimal.NewFromInt(90))
	assert.True(t, rec.TrailingHigh.Equal(decimal.NewFromInt(100)))
}
