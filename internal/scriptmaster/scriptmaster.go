// Package scriptmaster implements the Script Master Client: a read-only
// lookup of instrument metadata (tick size, lot size, market-order
// permission) loaded once from a snapshot file. Refresh policy is out of
// scope per spec.md §4.2 — this package is a pure function of whatever
// snapshot was loaded at construction.
package scriptmaster

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/model"
	"ordercore/internal/obslog"
)

// Instrument is one (exchange, symbol) entry in the snapshot.
type Instrument struct {
	Exchange             string          `json:"exchange"`
	Symbol               string          `json:"symbol"`
	LotSize              int64           `json:"lot_size"`
	TickSize             decimal.Decimal `json:"tick_size"`
	InstrumentClass      string          `json:"instrument_class"`
	MarketAllowed        bool            `json:"market_allowed"`
	LimitAggressiveOffset decimal.Decimal `json:"limit_aggressive_offset"`
	Expiries             []time.Time     `json:"expiries,omitempty"`
}

// Client is a pure read-only view over a loaded instrument snapshot.
type Client struct {
	byKey map[string]Instrument
}

// Load reads the snapshot JSON file at path and builds a Client.
func Load(path string) (*Client, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scriptmaster snapshot %s: %w", path, err)
	}
	var list []Instrument
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parsing scriptmaster snapshot %s: %w", path, err)
	}
	log.Info().Msgf("loaded scriptmaster snapshot: %d instruments", len(list))
	return newClient(list), nil
}

func newClient(list []Instrument) *Client {
	c := &Client{byKey: make(map[string]Instrument, len(list))}
	for _, in := range list {
		c.byKey[key(in.Exchange, in.Symbol)] = in
	}
	return c
}

func key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// ErrUnknownInstrument is returned when (exchange, symbol) is absent from the
// loaded snapshot.
type ErrUnknownInstrument struct {
	Exchange, Symbol string
}

func (e ErrUnknownInstrument) Error() string {
	return fmt.Sprintf("unknown instrument %s:%s", e.Exchange, e.Symbol)
}

// Lookup returns tick size, lot size, instrument class and MARKET
// permissibility for (exchange, symbol).
func (c *Client) Lookup(exchange, symbol string) (Instrument, error) {
	in, ok := c.byKey[key(exchange, symbol)]
	if !ok {
		return Instrument{}, ErrUnknownInstrument{Exchange: exchange, Symbol: symbol}
	}
	return in, nil
}

// Expiries returns every expiry date listed for symbol in the snapshot,
// sorted ascending; dates already in the past are not filtered out.
func (c *Client) Expiries(exchange, symbol string) ([]time.Time, error) {
	in, err := c.Lookup(exchange, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(in.Expiries))
	copy(out, in.Expiries)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// RoundToTick rounds price to the nearest instrument tick size.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 0).Mul(tick)
}

// AggressiveLimit converts a MARKET order into a LIMIT price likely to fill
// immediately against the current LTP, for instruments that forbid MARKET
// orders: offset above LTP to buy, below LTP to sell.
func AggressiveLimit(side model.Side, ltp, offset decimal.Decimal) decimal.Decimal {
	if side == model.SideBuy {
		return ltp.Add(offset)
	}
	return ltp.Sub(offset)
}

var log = obslog.Component("scriptmaster")
