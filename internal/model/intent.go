package model

import (
	"encoding/json"
	"time"
)

// IntentType is the tagged-union discriminator for queued producer intents.
type IntentType string

const (
	IntentGeneric       IntentType = "GENERIC"
	IntentBasket        IntentType = "BASKET"
	IntentAdvanced      IntentType = "ADVANCED"
	IntentStrategy      IntentType = "STRATEGY"
	IntentBrokerControl IntentType = "BROKER_CONTROL"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentClaimed   IntentStatus = "CLAIMED"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentFailed    IntentStatus = "FAILED"
)

// IntentRow is one queued producer request, per spec.md §3. Payload stays an
// opaque blob at this layer; consumers decode it per IntentType.
type IntentRow struct {
	IntentID   string
	ClientID   string
	Type       IntentType
	Payload    []byte
	Status     IntentStatus
	ClaimToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StrategyAction is the action discriminator carried by a STRATEGY intent's payload.
type StrategyAction string

const (
	StrategyActionEntry     StrategyAction = "ENTRY"
	StrategyActionExit      StrategyAction = "EXIT"
	StrategyActionAdjust    StrategyAction = "ADJUST"
	StrategyActionForceExit StrategyAction = "FORCE_EXIT"
)

// StrategyIntentPayload is the decoded shape of a STRATEGY intent's payload.
type StrategyIntentPayload struct {
	StrategyName   string         `json:"strategy_name"`
	Action         StrategyAction `json:"action"`
	Reason         string         `json:"reason,omitempty"`
	OverrideConfig []byte         `json:"override_config,omitempty"`
}

// BasketLeg is one leg of a BASKET intent payload.
type BasketLeg struct {
	ExecutionType ExecutionType `json:"execution_type"`
	Symbol        string        `json:"symbol"`
	Exchange      string        `json:"exchange"`
	Side          Side          `json:"side"`
	Quantity      int64         `json:"quantity"`
	StrategyName  string        `json:"strategy_name,omitempty"`
}

// BasketIntentPayload is the decoded shape of a BASKET intent's payload.
type BasketIntentPayload struct {
	Legs []BasketLeg `json:"legs"`
}

// AdvancedIntentPayload is the decoded shape of an ADVANCED intent's payload:
// the same ordered leg list as BASKET, plus relationship metadata (e.g. OCO/
// leg-dependency hints) that the core stores and forwards but never
// interprets, per spec.md §3.
type AdvancedIntentPayload struct {
	Legs         []BasketLeg     `json:"legs"`
	Relationship json.RawMessage `json:"relationship,omitempty"`
}
