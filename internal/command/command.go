// Package command implements the Command Service: the single gateway every
// ENTRY, EXIT and ADJUST order passes through before it ever reaches the
// broker, per spec.md §4.6. Grounded on trader/auto_trader.go's runCycle
// shape (validate inputs, persist a record, run blocker checks, execute,
// record the outcome) generalized from a per-cycle AI decision loop to a
// per-command submission gateway.
package command

import (
	"context"
	"fmt"

	"ordercore/internal/broker"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/risk"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
)

var log = obslog.Component("command")

// Service is the submission gateway. It owns no trading state of its own;
// it composes the Repository, Risk Manager, Execution Guard, Script Master
// and Broker Adapter already wired by the Trading Bot Facade.
type Service struct {
	repo         *store.Repository
	risk         *risk.Manager
	guard        *guard.Guard
	broker       broker.Adapter
	scriptmaster *scriptmaster.Client
}

func New(repo *store.Repository, riskMgr *risk.Manager, g *guard.Guard, b broker.Adapter, sm *scriptmaster.Client) *Service {
	return &Service{repo: repo, risk: riskMgr, guard: g, broker: b, scriptmaster: sm}
}

// Submit runs the canonical six-step flow for ENTRY and ADJUST commands,
// per spec.md §4.6. EXIT commands must go through Register instead.
func (s *Service) Submit(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome {
	if cmd.ExecutionType != model.ExecutionEntry && cmd.ExecutionType != model.ExecutionAdjust {
		return model.CommandOutcome{Tag: model.TagValidationError, Err: fmt.Errorf("submit: invalid execution_type %q (use register for EXIT)", cmd.ExecutionType)}
	}
	return s.run(ctx, cmd, true)
}

// Register runs the EXIT path, per spec.md §4.6: it persists a CREATED
// record and hands it to the Order Watcher rather than bumping the status
// to SENT_TO_BROKER and calling place_order synchronously.
func (s *Service) Register(ctx context.Context, cmd model.OrderCommand) model.CommandOutcome {
	if cmd.ExecutionType != model.ExecutionExit {
		return model.CommandOutcome{Tag: model.TagValidationError, Err: fmt.Errorf("register: invalid execution_type %q (use submit for ENTRY/ADJUST)", cmd.ExecutionType)}
	}
	return s.run(ctx, cmd, false)
}

func (s *Service) run(ctx context.Context, cmd model.OrderCommand, submitNow bool) model.CommandOutcome {
	// Step 1: validate and normalize (lot multiple, tick rounding, MARKET
	// downgrade). On failure, nothing is persisted.
	normalized, err := s.validate(ctx, cmd)
	if err != nil {
		return model.CommandOutcome{Tag: model.TagValidationError, Err: err}
	}
	cmd = normalized

	// Step 2: persist CREATED. Exactly one write.
	commandID := model.NewCommandID()
	rec := &model.OrderRecord{
		CommandID:     commandID,
		ClientID:      cmd.ClientID,
		ExecutionType: cmd.ExecutionType,
		Status:        model.StatusCreated,
		Source:        cmd.Source,
		StrategyName:  cmd.StrategyName,
		Symbol:        cmd.Symbol,
		Exchange:      cmd.Exchange,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Product:       cmd.Product,
		OrderType:     cmd.OrderType,
		Price:         cmd.Price,
		TriggerPrice:  cmd.TriggerPrice,
		StopLoss:      cmd.StopLoss,
		Target:        cmd.Target,
		TrailingType:  cmd.TrailingType,
		TrailingValue: cmd.TrailingValue,
	}
	if err := s.repo.CreateOrder(ctx, rec); err != nil {
		return model.CommandOutcome{CommandID: commandID, Tag: model.TagValidationError, Err: fmt.Errorf("persisting order: %w", err)}
	}

	if !submitNow {
		// EXIT: the Watcher owns submission from here.
		log.Info().Msgf("registered exit command %s for %s (watcher will submit)", commandID, cmd.Symbol)
		return model.CommandOutcome{Success: true, CommandID: commandID}
	}

	// Step 3: blocker checks, in order: Risk -> Guard -> repository duplicate.
	if cmd.ExecutionType == model.ExecutionEntry {
		if blocked, tag, err := s.checkBlockers(ctx, cmd); blocked || err != nil {
			if err != nil {
				return model.CommandOutcome{CommandID: commandID, Tag: model.TagValidationError, Err: err}
			}
			return s.fail(ctx, commandID, tag, nil)
		}
	}

	// Step 4: bump to SENT_TO_BROKER before the broker call.
	if err := s.repo.UpdateStatus(ctx, commandID, model.StatusSentToBroker, ""); err != nil {
		return model.CommandOutcome{CommandID: commandID, Tag: model.TagValidationError, Err: fmt.Errorf("updating status to sent_to_broker: %w", err)}
	}
	if cmd.ExecutionType == model.ExecutionEntry {
		s.guard.RegisterAttempt(cmd.ClientID, cmd.Symbol)
	}

	// Step 5: call place_order.
	res, err := s.broker.PlaceOrder(ctx, broker.PlaceOrderParams{
		Symbol:        cmd.Symbol,
		Exchange:      cmd.Exchange,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Product:       cmd.Product,
		OrderType:     cmd.OrderType,
		Price:         cmd.Price,
		TriggerPrice:  cmd.TriggerPrice,
		IdempotencyKey: commandID,
	})
	if err != nil {
		if cmd.ExecutionType == model.ExecutionEntry {
			s.guard.Release(cmd.ClientID, cmd.Symbol)
		}
		return s.fail(ctx, commandID, model.TagBrokerUnreachable, err)
	}
	if !res.Success {
		if cmd.ExecutionType == model.ExecutionEntry {
			s.guard.Release(cmd.ClientID, cmd.Symbol)
		}
		return s.fail(ctx, commandID, model.TagBrokerRejected, fmt.Errorf("broker rejected order: %s", res.ErrorMessage))
	}

	if err := s.repo.UpdateBrokerOrderID(ctx, commandID, res.BrokerOrderID); err != nil {
		log.Error().Msgf("recording broker_order_id for %s: %v", commandID, err)
	}

	// Step 6: return the outcome synchronously.
	log.Info().Msgf("submitted command %s for %s: broker_order_id=%s", commandID, cmd.Symbol, res.BrokerOrderID)
	return model.CommandOutcome{Success: true, CommandID: commandID, BrokerOrderID: res.BrokerOrderID}
}

// fail transitions a record to FAILED with the given tag and returns the
// matching outcome. The record remains as an audit breadcrumb, per spec.md
// §4.6.
func (s *Service) fail(ctx context.Context, commandID string, tag model.Tag, cause error) model.CommandOutcome {
	if err := s.repo.UpdateStatus(ctx, commandID, model.StatusFailed, tag); err != nil {
		log.Error().Msgf("marking %s failed (%s): %v", commandID, tag, err)
	}
	return model.CommandOutcome{CommandID: commandID, Tag: tag, Err: cause}
}

// checkBlockers runs the three-tier blocker sequence for ENTRY commands.
func (s *Service) checkBlockers(ctx context.Context, cmd model.OrderCommand) (blocked bool, tag model.Tag, err error) {
	if !s.risk.CanExecute() {
		return true, model.TagRiskLimitsExceeded, nil
	}

	res, err := s.guard.CheckEntry(ctx, cmd.ClientID, cmd.StrategyName, cmd.Symbol, cmd.Side)
	if err != nil {
		return false, "", fmt.Errorf("execution guard check: %w", err)
	}
	if res.Blocked {
		return true, res.Tag, nil
	}

	existing, err := s.repo.ListOpenByStrategy(ctx, cmd.ClientID, cmd.StrategyName, cmd.Symbol)
	if err != nil {
		return false, "", fmt.Errorf("checking repository duplicates: %w", err)
	}
	if len(existing) > 0 {
		return true, model.TagDuplicateOrderBlocked, nil
	}

	return false, "", nil
}

// validate enforces lot multiples, tick rounding, side and required fields
// per order type, per spec.md §4.6 step 1, and returns the normalized
// command to persist and submit. A MARKET order for an instrument that
// forbids it is downgraded to an aggressive LIMIT here so every execution
// type (ENTRY/ADJUST via Submit, EXIT via Register) gets the conversion —
// not just EXITs, which previously only got it from the Order Watcher's own
// copy of this logic in ProcessOpenIntents.
func (s *Service) validate(ctx context.Context, cmd model.OrderCommand) (model.OrderCommand, error) {
	if cmd.ClientID == "" || cmd.Symbol == "" || cmd.Exchange == "" {
		return cmd, fmt.Errorf("client_id, symbol and exchange are required")
	}
	if cmd.Side != model.SideBuy && cmd.Side != model.SideSell {
		return cmd, fmt.Errorf("side must be BUY or SELL, got %q", cmd.Side)
	}
	if cmd.Quantity <= 0 {
		return cmd, fmt.Errorf("quantity must be positive")
	}

	inst, err := s.scriptmaster.Lookup(cmd.Exchange, cmd.Symbol)
	if err != nil {
		return cmd, fmt.Errorf("looking up instrument: %w", err)
	}
	if inst.LotSize > 0 && cmd.Quantity%inst.LotSize != 0 {
		return cmd, fmt.Errorf("quantity %d is not a multiple of lot size %d", cmd.Quantity, inst.LotSize)
	}

	switch cmd.OrderType {
	case model.OrderTypeLimit:
		if cmd.Price.IsZero() {
			return cmd, fmt.Errorf("limit orders require a non-zero price")
		}
		cmd.Price = scriptmaster.RoundToTick(cmd.Price, inst.TickSize)
	case model.OrderTypeSL, model.OrderTypeSLM:
		if cmd.TriggerPrice.IsZero() {
			return cmd, fmt.Errorf("stop orders require a non-zero trigger_price")
		}
		cmd.TriggerPrice = scriptmaster.RoundToTick(cmd.TriggerPrice, inst.TickSize)
	case model.OrderTypeMarket:
		if !inst.MarketAllowed {
			ltp, err := s.broker.GetLTP(ctx, cmd.Exchange, cmd.Symbol)
			if err != nil {
				return cmd, fmt.Errorf("instrument forbids market orders, fetching ltp for aggressive limit: %w", err)
			}
			cmd.OrderType = model.OrderTypeLimit
			cmd.Price = scriptmaster.RoundToTick(scriptmaster.AggressiveLimit(cmd.Side, ltp, inst.LimitAggressiveOffset), inst.TickSize)
		}
	default:
		return cmd, fmt.Errorf("unsupported order_type %q", cmd.OrderType)
	}

	return cmd, nil
}
