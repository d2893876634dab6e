package positionexit

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/broker"
	"ordercore/internal/model"
)

type fakeBroker struct {
	positions []broker.Position
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) (broker.PlaceOrderResult, error) {
	return broker.PlaceOrderResult{}, nil
}
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]broker.BookEntry, error) { return nil, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type recordingRegistrar struct {
	registered []model.OrderCommand
}

func (r *recordingRegistrar) Register(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome {
	r.registered = append(r.registered, cmd)
	return model.CommandOutcome{Success: true, CommandID: "c" + cmd.Symbol}
}

func TestFlattenAllDerivesSideFromNetQtySign(t *testing.T) {
	fb := &fakeBroker{positions: []broker.Position{
		{Symbol: "A", Exchange: "NFO", Product: model.ProductNRML, NetQty: -50},
		{Symbol: "B", Exchange: "NFO", Product: model.ProductNRML, NetQty: 25},
		{Symbol: "C", Exchange: "NFO", Product: model.ProductNRML, NetQty: 0},
	}}
	reg := &recordingRegistrar{}
	s := New(fb, reg)

	outcomes, err := s.Flatten(context.Background(), "acct-1", Scope{All: true}, ProductScopeAll, model.TagMarketClosed, "RMS")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Len(t, reg.registered, 2)

	assert.Equal(t, model.SideBuy, reg.registered[0].Side)
	assert.Equal(t, int64(50), reg.registered[0].Quantity)
	assert.Equal(t, model.SideSell, reg.registered[1].Side)
	assert.Equal(t, int64(25), reg.registered[1].Quantity)
}

func TestFlattenExcludesCNCAlways(t *testing.T) {
	fb := &fakeBroker{positions: []broker.Position{
		{Symbol: "A", Exchange: "NSE", Product: model.ProductCNC, NetQty: 10},
	}}
	reg := &recordingRegistrar{}
	s := New(fb, reg)

	outcomes, err := s.Flatten(context.Background(), "acct-1", Scope{All: true}, ProductScopeAll, model.TagMarketClosed, "RMS")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestFlattenRestrictsToExplicitSymbolScope(t *testing.T) {
	fb := &fakeBroker{positions: []broker.Position{
		{Symbol: "A", Exchange: "NFO", Product: model.ProductNRML, NetQty: 10},
		{Symbol: "B", Exchange: "NFO", Product: model.ProductNRML, NetQty: 10},
	}}
	reg := &recordingRegistrar{}
	s := New(fb, reg)

	outcomes, err := s.Flatten(context.Background(), "acct-1", Scope{Symbols: []string{"B"}}, ProductScopeAll, model.TagMarketClosed, "RMS")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "B", reg.registered[0].Symbol)
}

func TestFlattenRestrictsToProductScope(t *testing.T) {
	fb := &fakeBroker{positions: []broker.Position{
		{Symbol: "A", Exchange: "NFO", Product: model.ProductMIS, NetQty: 10},
		{Symbol: "B", Exchange: "NFO", Product: model.ProductNRML, NetQty: 10},
	}}
	reg := &recordingRegistrar{}
	s := New(fb, reg)

	outcomes, err := s.Flatten(context.Background(), "acct-1", Scope{All: true}, ProductScopeMIS, model.TagMarketClosed, "RMS")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "A", reg.registered[0].Symbol)
}
