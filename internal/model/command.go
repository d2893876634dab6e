package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderCommand is the canonical, validated command emitted by the Command
// Service per spec.md §9 ("the rest of the core sees only the normalized
// OrderCommand"). It is one-to-one with the OrderRecord it produces.
type OrderCommand struct {
	ClientID      string
	ExecutionType ExecutionType
	Source        string
	StrategyName  string

	Symbol   string
	Exchange string
	Side     Side
	Quantity int64
	Product  Product
	OrderType OrderType

	Price        decimal.Decimal
	TriggerPrice decimal.Decimal

	StopLoss      decimal.Decimal
	Target        decimal.Decimal
	TrailingType  TrailingType
	TrailingValue decimal.Decimal
}

// CommandOutcome is the result/outcome type spec.md §9 mandates in place of
// exception-driven control flow: every submit/register call returns one.
type CommandOutcome struct {
	Success       bool
	CommandID     string
	BrokerOrderID string
	Tag           Tag
	Err           error
}

// NewCommandID mints an opaque globally unique command identifier.
func NewCommandID() string {
	return uuid.NewString()
}

// NewIntentID mints an opaque globally unique intent identifier.
func NewIntentID() string {
	return uuid.NewString()
}

// NewClaimToken mints a token a consumer attaches when claiming an intent row.
func NewClaimToken() string {
	return uuid.NewString()
}
