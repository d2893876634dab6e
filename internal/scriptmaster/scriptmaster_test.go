package scriptmaster

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownInstrument(t *testing.T) {
	c := newClient([]Instrument{
		{Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50, TickSize: decimal.NewFromFloat(0.05), MarketAllowed: false},
	})

	in, err := c.Lookup("NFO", "NIFTY24000CE")
	require.NoError(t, err)
	assert.Equal(t, int64(50), in.LotSize)
	assert.False(t, in.MarketAllowed)
}

func TestLookupUnknownInstrument(t *testing.T) {
	c := newClient(nil)
	_, err := c.Lookup("NFO", "GHOST")
	assert.Error(t, err)
	var unk ErrUnknownInstrument
	assert.ErrorAs(t, err, &unk)
}

func TestRoundToTick(t *testing.T) {
	tick := decimal.NewFromFloat(0.05)
	got := RoundToTick(decimal.NewFromFloat(100.07), tick)
	assert.True(t, decimal.NewFromFloat(100.05).Equal(got), "got %s", got)
}
