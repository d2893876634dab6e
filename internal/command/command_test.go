package command

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/broker"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/risk"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
)

type fakeBroker struct {
	result broker.PlaceOrderResult
	err    error
	ltp    decimal.Decimal

	positions []broker.Position
	calls     int
	ltpCalls  int
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) (broker.PlaceOrderResult, error) {
	f.calls++
	return f.result, f.err
}
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]broker.BookEntry, error) { return nil, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	f.ltpCalls++
	return f.ltp, nil
}

type alwaysAllow struct{}

func (alwaysAllow) DailyPnL(ctx context.Context) (float64, error) { return 0, nil }

func newTestScriptmaster(t *testing.T) *scriptmaster.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	data, err := json.Marshal([]scriptmaster.Instrument{
		{
			Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50,
			TickSize: decimal.NewFromFloat(0.05), InstrumentClass: "OPTION", MarketAllowed: true,
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	sm, err := scriptmaster.Load(path)
	require.NoError(t, err)
	return sm
}

func newTestService(t *testing.T, fb *fakeBroker) *Service {
	t.Helper()
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	riskMgr := risk.New(repo, alwaysAllow{}, risk.Config{DailyMaxLoss: -1000})
	g := guard.New(repo, fb)
	sm := newTestScriptmaster(t)
	return New(repo, riskMgr, g, fb, sm)
}

func sampleEntry() model.OrderCommand {
	return model.OrderCommand{
		ClientID: "acct-1", ExecutionType: model.ExecutionEntry, Source: "TEST",
		StrategyName: "S1", Symbol: "NIFTY24000CE", Exchange: "NFO",
		Side: model.SideSell, Quantity: 50, Product: model.ProductNRML,
		OrderType: model.OrderTypeMarket,
		Price: decimal.Zero, TriggerPrice: decimal.Zero,
	}
}

func TestSubmitEntrySuccess(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B1"}}
	s := newTestService(t, fb)

	out := s.Submit(context.Background(), sampleEntry())
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, "B1", out.BrokerOrderID)

	rec, err := s.repo.GetByCommandID(context.Background(), out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSentToBroker, rec.Status)
}

func TestSubmitRejectsExitExecutionType(t *testing.T) {
	s := newTestService(t, &fakeBroker{result: broker.PlaceOrderResult{Success: true}})
	cmd := sampleEntry()
	cmd.ExecutionType = model.ExecutionExit
	out := s.Submit(context.Background(), cmd)
	assert.False(t, out.Success)
	assert.Equal(t, model.TagValidationError, out.Tag)
}

func TestSubmitRejectsBadLotSize(t *testing.T) {
	s := newTestService(t, &fakeBroker{result: broker.PlaceOrderResult{Success: true}})
	cmd := sampleEntry()
	cmd.Quantity = 49
	out := s.Submit(context.Background(), cmd)
	assert.False(t, out.Success)
	assert.Equal(t, model.TagValidationError, out.Tag)
}

type fakePnL struct{ pnl float64 }

func (f fakePnL) DailyPnL(ctx context.Context) (float64, error) { return f.pnl, nil }

func TestSubmitBlockedByRiskLeavesFailedRecord(t *testing.T) {
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true}}
	blockedMgr := risk.New(repo, fakePnL{pnl: -5000}, risk.Config{DailyMaxLoss: -1000})
	blockedMgr.Heartbeat(context.Background())

	g := guard.New(repo, fb)
	sm := newTestScriptmaster(t)
	s := New(repo, blockedMgr, g, fb, sm)

	out := s.Submit(context.Background(), sampleEntry())
	assert.False(t, out.Success)
	assert.Equal(t, model.TagRiskLimitsExceeded, out.Tag)
	assert.Equal(t, 0, fb.calls)

	rec, err := repo.GetByCommandID(context.Background(), out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.TagRiskLimitsExceeded, rec.Tag)
}

func TestSubmitBlockedByGuardReleasesNothingAndMarksFailed(t *testing.T) {
	fb := &fakeBroker{positions: []broker.Position{
		{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: model.ProductNRML, NetQty: -50},
	}}
	s := newTestService(t, fb)

	out := s.Submit(context.Background(), sampleEntry())
	assert.False(t, out.Success)
	assert.Equal(t, model.TagDuplicateOrderBlocked, out.Tag)
	assert.Equal(t, 0, fb.calls)

	rec, err := s.repo.GetByCommandID(context.Background(), out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.TagDuplicateOrderBlocked, rec.Tag)
}

func TestSubmitBrokerRejectionMarksFailedAndReleasesGuard(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: false, ErrorMessage: "insufficient margin"}}
	s := newTestService(t, fb)

	out := s.Submit(context.Background(), sampleEntry())
	assert.False(t, out.Success)
	assert.Equal(t, model.TagBrokerRejected, out.Tag)

	// guard memory tier must be released so a retry is not blocked.
	res, err := s.guard.CheckEntry(context.Background(), "acct-1", "S1", "NIFTY24000CE", model.SideSell)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

func TestSubmitDowngradesMarketToAggressiveLimitWhenForbidden(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	data, err := json.Marshal([]scriptmaster.Instrument{
		{
			Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50,
			TickSize: decimal.NewFromFloat(0.05), InstrumentClass: "OPTION",
			MarketAllowed: false, LimitAggressiveOffset: decimal.NewFromFloat(1),
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	sm, err := scriptmaster.Load(path)
	require.NoError(t, err)

	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B1"}, ltp: decimal.NewFromInt(100)}
	riskMgr := risk.New(repo, alwaysAllow{}, risk.Config{DailyMaxLoss: -1000})
	g := guard.New(repo, fb)
	s := New(repo, riskMgr, g, fb, sm)

	// SELL: an instrument that forbids MARKET orders must still route an
	// ENTRY through, downgraded to an aggressive LIMIT below LTP — not just
	// an EXIT reaching the Order Watcher.
	out := s.Submit(context.Background(), sampleEntry())
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, fb.ltpCalls)

	rec, err := repo.GetByCommandID(context.Background(), out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderTypeLimit, rec.OrderType)
	assert.True(t, rec.Price.Equal(decimal.NewFromInt(99)), "SELL downgrades to LTP minus the aggressive offset, got %s", rec.Price)
}

func TestRegisterExitDefersToWatcher(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B2"}}
	s := newTestService(t, fb)

	cmd := sampleEntry()
	cmd.ExecutionType = model.ExecutionExit
	out := s.Register(context.Background(), cmd)
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, 0, fb.calls)

	rec, err := s.repo.GetByCommandID(context.Background(), out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, rec.Status)
}
