package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegState captures one CE or PE leg of a strategy position.
type LegState struct {
	Symbol     string
	EntryPrice decimal.Decimal
	Delta      decimal.Decimal
	PnL        decimal.Decimal
}

// StrategyConfig is the saved, producer-independent description of a
// strategy instance that request_entry(strategy_name) loads and expands
// into a universal OrderCommand pair (CE + PE legs), per spec.md §4.11.
type StrategyConfig struct {
	StrategyName string `json:"strategy_name"`

	Exchange string `json:"exchange"`
	CESymbol string `json:"ce_symbol"`
	PESymbol string `json:"pe_symbol"`

	Side     Side    `json:"side"`
	Quantity int64   `json:"quantity"`
	Product  Product `json:"product"`

	StopLoss      decimal.Decimal `json:"stop_loss"`
	Target        decimal.Decimal `json:"target"`
	TrailingType  TrailingType    `json:"trailing_type"`
	TrailingValue decimal.Decimal `json:"trailing_value"`

	Source string `json:"source"`
}

// StrategyExecState is the per-strategy persisted state from spec.md §3,
// written after every successful adjustment or exit to the
// `strategy_exec_state/<name>` key-value doc.
type StrategyExecState struct {
	StrategyName string

	CE LegState
	PE LegState

	CombinedPnL decimal.Decimal

	CooldownUntil       time.Time
	LastAdjustmentAt    time.Time

	TrailingActive bool
	PeakPnL        decimal.Decimal
	StopPnL        decimal.Decimal

	Flat bool // true once both legs have been closed

	UpdatedAt time.Time
}
