// Package risk implements the Risk Manager: a process-wide policy gate that
// decides whether trading is allowed and never executes orders itself, per
// spec.md §4.5. Grounded on
// 0xtitan6-polymarket-mm/internal/risk/manager.go's channel-based Manager:
// a ticker-driven Run(ctx) loop, RWMutex-guarded state, and a kill/force-exit
// signal channel the owner reads from.
package risk

import (
	"context"
	"sync"
	"time"

	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/store"
)

var log = obslog.Component("risk")

// ForceExitRequest is emitted exactly once per breach, per spec.md §4.5. The
// Trading Bot Facade reads from ForceExitCh() and routes it through
// request_force_exit.
type ForceExitRequest struct {
	Reason string
}

// ExecutedOrderSummary carries a daily P&L figure. Nothing in this package
// produces or reads it; each heartbeat takes its figure from PnLSource.
type ExecutedOrderSummary struct {
	DailyPnL float64
}

// PnLSource supplies the day's P&L figure that each heartbeat compares with
// daily_max_loss. The production implementation is BrokerPnLSource
// (pnlsource.go), which sums unrealized mark-to-market P&L over open broker
// positions and holds the broker handle the Risk Manager itself must not
// hold (spec.md §9: avoid ambient singletons; constructor injection only).
type PnLSource interface {
	DailyPnL(ctx context.Context) (float64, error)
}

// Manager decides whether trading is allowed. It never executes.
type Manager struct {
	repo   *store.Repository
	pnl    PnLSource
	cfg    Config

	heartbeat time.Duration

	mu    sync.RWMutex
	state model.RiskState

	forceExitCh      chan ForceExitRequest
	forceExitRaised  bool // ensures force_exit_request fires exactly once per breach
}

// Config holds the Risk Manager's policy thresholds.
type Config struct {
	DailyMaxLoss      float64       // negative number, e.g. -1000
	CooldownAfter     time.Duration // cooldown applied when the limit is breached
	HeartbeatInterval time.Duration
}

func New(repo *store.Repository, pnl PnLSource, cfg Config) *Manager {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 5 * time.Second
	}
	return &Manager{
		repo:        repo,
		pnl:         pnl,
		cfg:         cfg,
		heartbeat:   hb,
		state:       model.RiskState{DailyMaxLoss: cfg.DailyMaxLoss},
		forceExitCh: make(chan ForceExitRequest, 1),
	}
}

// LoadPersisted restores RiskState from the repository on process start,
// per spec.md §5 recovery semantics (iv).
func (m *Manager) LoadPersisted(ctx context.Context) error {
	rs, err := m.repo.LoadRiskState(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if rs.DailyMaxLoss != 0 || !rs.CooldownUntil.IsZero() {
		m.state = rs
	}
	m.mu.Unlock()
	return nil
}

// ForceExitCh returns the channel the Facade reads force-exit demands from.
func (m *Manager) ForceExitCh() <-chan ForceExitRequest {
	return m.forceExitCh
}

// CanExecute reports whether trading is currently allowed.
func (m *Manager) CanExecute() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CanExecute(time.Now())
}

// Snapshot returns the current RiskState for diagnostics/persistence.
func (m *Manager) Snapshot() model.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Heartbeat recomputes daily P&L and updates CanExecute state immediately,
// rather than waiting for the next ticker tick. Run calls this internally;
// callers that need a synchronous recheck (e.g. before accepting a command
// right after a configuration change) may call it directly.
func (m *Manager) Heartbeat(ctx context.Context) {
	m.heartbeatOnce(ctx)
}

// Run starts the heartbeat loop. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatOnce(ctx)
		}
	}
}

func (m *Manager) heartbeatOnce(ctx context.Context) {
	pnl, err := m.pnl.DailyPnL(ctx)
	if err != nil {
		log.Error().Msgf("heartbeat: computing daily pnl: %v", err)
		return
	}

	m.mu.Lock()
	m.state.DailyPnL = pnl
	m.state.UpdatedAt = time.Now()
	breached := pnl <= m.state.DailyMaxLoss
	alreadyRaised := m.forceExitRaised
	if breached && !alreadyRaised {
		m.state.CooldownUntil = time.Now().Add(m.cfg.CooldownAfter)
		m.state.ForceExitInProgress = true
		m.forceExitRaised = true
	}
	if !breached {
		m.forceExitRaised = false
		m.state.ForceExitInProgress = false
	}
	snapshot := m.state
	m.mu.Unlock()

	if err := m.repo.SaveRiskState(ctx, snapshot); err != nil {
		log.Error().Msgf("heartbeat: persisting risk state: %v", err)
	}

	if breached && !alreadyRaised {
		log.Error().Msgf("daily max loss breached: pnl=%.2f limit=%.2f", pnl, m.state.DailyMaxLoss)
		m.raiseForceExit("DAILY_MAX_LOSS")
	}
}

// raiseForceExit emits a ForceExitRequest exactly once, draining a stale
// unread signal first so the latest reason is always delivered — the same
// non-blocking-send-with-drain shape the teacher's risk manager uses for its
// kill channel.
func (m *Manager) raiseForceExit(reason string) {
	sig := ForceExitRequest{Reason: reason}
	select {
	case m.forceExitCh <- sig:
	default:
		select {
		case <-m.forceExitCh:
		default:
		}
		m.forceExitCh <- sig
	}
}

// ClearForceExit is called by the Facade once request_force_exit has
// completed, allowing a future breach to raise again.
func (m *Manager) ClearForceExit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ForceExitInProgress = false
	m.forceExitRaised = false
}
