// Package consumer implements the two Intent Consumers: single-threaded
// workers that poll control_intents at ~1 Hz, claim the oldest PENDING row
// matching their type filter, and process it to a terminal status, per
// spec.md §4.8. Grounded on trader/auto_trader.go's Run/Stop ticker-plus-
// stop-channel lifecycle, generalized from one scan loop per bot into one
// claim-process loop per consumer kind.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/store"
)

var log = obslog.Component("consumer")

// Submitter is the subset of the Command Service a consumer needs.
type Submitter interface {
	Submit(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome
	Register(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome
}

// basketLegResult records one leg's outcome for the audit payload stored
// alongside a completed BASKET intent.
type basketLegResult struct {
	Symbol    string `json:"symbol"`
	Success   bool   `json:"success"`
	CommandID string `json:"command_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// Generic processes GENERIC, BASKET and ADVANCED intents.
type Generic struct {
	repo     *store.Repository
	cmds     Submitter
	clientID string

	pollInterval    time.Duration
	recoveryTimeout time.Duration
}

func NewGeneric(repo *store.Repository, cmds Submitter, clientID string, pollInterval, recoveryTimeout time.Duration) *Generic {
	return &Generic{repo: repo, cmds: cmds, clientID: clientID, pollInterval: pollInterval, recoveryTimeout: recoveryTimeout}
}

// Run polls until ctx is cancelled. ResetStaleClaims runs once up front so a
// restart after a crash recovers rows left CLAIMED, per spec.md §5(i).
func (g *Generic) Run(ctx context.Context) {
	if _, err := g.repo.ResetStaleClaims(ctx, time.Now().Add(-g.recoveryTimeout)); err != nil {
		log.Error().Msgf("generic consumer: resetting stale claims: %v", err)
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Generic) tick(ctx context.Context) {
	in, err := g.repo.ClaimNext(ctx, g.clientID, []model.IntentType{model.IntentGeneric, model.IntentBasket, model.IntentAdvanced}, model.NewClaimToken())
	if err != nil {
		log.Error().Msgf("generic consumer: claiming next intent: %v", err)
		return
	}
	if in == nil {
		return
	}

	var status model.IntentStatus
	switch in.Type {
	case model.IntentBasket:
		status = g.processBasket(ctx, in)
	case model.IntentAdvanced:
		status = g.processAdvanced(ctx, in)
	case model.IntentGeneric:
		status = g.processSingle(ctx, in)
	default:
		status = model.IntentFailed
	}

	if err := g.repo.MarkTerminal(ctx, in.IntentID, status); err != nil {
		log.Error().Msgf("generic consumer: marking intent %s %s: %v", in.IntentID, status, err)
	}
}

func (g *Generic) processSingle(ctx context.Context, in *model.IntentRow) model.IntentStatus {
	var cmd model.OrderCommand
	if err := json.Unmarshal(in.Payload, &cmd); err != nil {
		log.Error().Msgf("generic consumer: decoding intent %s payload: %v", in.IntentID, err)
		return model.IntentFailed
	}
	cmd.ClientID = g.clientID

	var out model.CommandOutcome
	if cmd.ExecutionType == model.ExecutionExit {
		out = g.cmds.Register(ctx, cmd)
	} else {
		out = g.cmds.Submit(ctx, cmd)
	}
	if !out.Success {
		return model.IntentFailed
	}
	return model.IntentCompleted
}

// processBasket partitions legs into EXITs and ENTRYs/ADJUSTs, processes
// EXITs first (risk-safe ordering), and gives each leg without its own
// strategy_name a unique per-leg one so the Execution Guard does not reject
// a later leg sharing a symbol with an earlier one, per spec.md §4.8. A leg
// that carries its own strategy_name is submitted under that name.
func (g *Generic) processBasket(ctx context.Context, in *model.IntentRow) model.IntentStatus {
	var payload model.BasketIntentPayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		log.Error().Msgf("generic consumer: decoding basket %s payload: %v", in.IntentID, err)
		return model.IntentFailed
	}
	status, results := g.processLegGroup(ctx, in, payload.Legs, "__BASKET__", "BASKET:"+in.IntentID)
	g.storeResult(ctx, in.IntentID, results)
	return status
}

// processAdvanced decodes an ADVANCED intent's multi-leg payload and runs the
// same EXITs-first leg processing as BASKET. The relationship metadata is
// kept opaque per spec.md §3: the core never branches on it, only round-trips
// it alongside the per-leg results for the producer to interpret.
func (g *Generic) processAdvanced(ctx context.Context, in *model.IntentRow) model.IntentStatus {
	var payload model.AdvancedIntentPayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		log.Error().Msgf("generic consumer: decoding advanced %s payload: %v", in.IntentID, err)
		return model.IntentFailed
	}
	status, results := g.processLegGroup(ctx, in, payload.Legs, "__ADVANCED__", "ADVANCED:"+in.IntentID)
	g.storeResult(ctx, in.IntentID, advancedResult{Legs: results, Relationship: payload.Relationship})
	return status
}

func (g *Generic) storeResult(ctx context.Context, intentID string, result interface{}) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		log.Error().Msgf("generic consumer: encoding %s result: %v", intentID, err)
		return
	}
	if err := g.repo.SetIntentResult(ctx, intentID, resultJSON); err != nil {
		log.Error().Msgf("generic consumer: recording %s result: %v", intentID, err)
	}
}

// advancedResult is the audit payload stored for a completed ADVANCED
// intent: per-leg outcomes alongside the relationship metadata the producer
// supplied, untouched.
type advancedResult struct {
	Legs         []basketLegResult `json:"legs"`
	Relationship json.RawMessage   `json:"relationship,omitempty"`
}

// processLegGroup is the shared EXITs-first leg runner behind BASKET and
// ADVANCED: it partitions legs into EXITs and ENTRYs/ADJUSTs, processes
// EXITs first (risk-safe ordering), and gives each leg lacking an explicit
// strategy_name a unique one scoped to this intent so the Execution Guard
// never rejects a later leg sharing a symbol with an earlier one.
func (g *Generic) processLegGroup(ctx context.Context, in *model.IntentRow, legs []model.BasketLeg, namespace, source string) (model.IntentStatus, []basketLegResult) {
	var exits, others []int
	for i, leg := range legs {
		if leg.ExecutionType == model.ExecutionExit {
			exits = append(exits, i)
		} else {
			others = append(others, i)
		}
	}

	succeeded := 0
	results := make([]basketLegResult, len(legs))
	process := func(i int) {
		leg := legs[i]
		strategyName := leg.StrategyName
		if strategyName == "" {
			strategyName = fmt.Sprintf("%s:%s:LEG_%d", namespace, in.IntentID, i)
		}
		cmd := model.OrderCommand{
			ClientID:      g.clientID,
			ExecutionType: leg.ExecutionType,
			Source:        source,
			StrategyName:  strategyName,
			Symbol:        leg.Symbol,
			Exchange:      leg.Exchange,
			Side:          leg.Side,
			Quantity:      leg.Quantity,
			Product:       model.ProductNRML,
			OrderType:     model.OrderTypeMarket,
		}
		var out model.CommandOutcome
		if leg.ExecutionType == model.ExecutionExit {
			out = g.cmds.Register(ctx, cmd)
		} else {
			out = g.cmds.Submit(ctx, cmd)
		}
		results[i] = basketLegResult{Symbol: leg.Symbol, Success: out.Success, CommandID: out.CommandID, Tag: string(out.Tag)}
		if out.Success {
			succeeded++
		}
	}

	for _, i := range exits {
		process(i)
	}
	for _, i := range others {
		process(i)
	}

	if succeeded == 0 && len(legs) > 0 {
		return model.IntentFailed, results
	}
	return model.IntentCompleted, results
}

// StrategyDispatcher is the narrow slice of the Trading Bot Facade the
// strategy consumer dispatches STRATEGY intents to. Defined here rather
// than depended on directly so this package never imports the facade
// package that, in turn, owns this consumer's lifecycle.
type StrategyDispatcher interface {
	RequestEntry(ctx context.Context, strategyName string) error
	RequestExitByStrategy(ctx context.Context, strategyName, reason string) error
	RequestAdjust(ctx context.Context, strategyName string) error
	RequestForceExit(ctx context.Context, reason string) error
}

// Strategy processes STRATEGY intents.
type Strategy struct {
	repo     *store.Repository
	facade   StrategyDispatcher
	clientID string

	pollInterval    time.Duration
	recoveryTimeout time.Duration
}

func NewStrategy(repo *store.Repository, facade StrategyDispatcher, clientID string, pollInterval, recoveryTimeout time.Duration) *Strategy {
	return &Strategy{repo: repo, facade: facade, clientID: clientID, pollInterval: pollInterval, recoveryTimeout: recoveryTimeout}
}

func (s *Strategy) Run(ctx context.Context) {
	if _, err := s.repo.ResetStaleClaims(ctx, time.Now().Add(-s.recoveryTimeout)); err != nil {
		log.Error().Msgf("strategy consumer: resetting stale claims: %v", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Strategy) tick(ctx context.Context) {
	in, err := s.repo.ClaimNext(ctx, s.clientID, []model.IntentType{model.IntentStrategy}, model.NewClaimToken())
	if err != nil {
		log.Error().Msgf("strategy consumer: claiming next intent: %v", err)
		return
	}
	if in == nil {
		return
	}

	status := s.process(ctx, in)
	if err := s.repo.MarkTerminal(ctx, in.IntentID, status); err != nil {
		log.Error().Msgf("strategy consumer: marking intent %s %s: %v", in.IntentID, status, err)
	}
}

func (s *Strategy) process(ctx context.Context, in *model.IntentRow) model.IntentStatus {
	var payload model.StrategyIntentPayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		log.Error().Msgf("strategy consumer: decoding intent %s payload: %v", in.IntentID, err)
		return model.IntentFailed
	}

	var err error
	switch payload.Action {
	case model.StrategyActionEntry:
		err = s.facade.RequestEntry(ctx, payload.StrategyName)
	case model.StrategyActionExit:
		err = s.facade.RequestExitByStrategy(ctx, payload.StrategyName, payload.Reason)
	case model.StrategyActionAdjust:
		err = s.facade.RequestAdjust(ctx, payload.StrategyName)
	case model.StrategyActionForceExit:
		err = s.facade.RequestForceExit(ctx, payload.Reason)
	default:
		err = fmt.Errorf("unknown strategy action %q", payload.Action)
	}

	if err != nil {
		log.Error().Msgf("strategy consumer: dispatching %s/%s failed: %v", payload.StrategyName, payload.Action, err)
		return model.IntentFailed
	}
	return model.IntentCompleted
}
