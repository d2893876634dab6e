package model

import "time"

// RiskState is the process-wide risk snapshot from spec.md §3, periodically
// persisted as the `risk_state` key-value doc for crash recovery.
type RiskState struct {
	DailyPnL            float64
	DailyMaxLoss        float64
	CooldownUntil       time.Time
	ForceExitInProgress bool
	UpdatedAt           time.Time
}

// CanExecute reports whether trading is currently allowed, per spec.md §4.5:
// daily_pnl > daily_max_loss AND now >= cooldown_until AND not force-exiting.
// daily_max_loss is a negative number; breaching it means DailyPnL <= it.
func (r RiskState) CanExecute(now time.Time) bool {
	if r.ForceExitInProgress {
		return false
	}
	if r.DailyPnL <= r.DailyMaxLoss {
		return false
	}
	if now.Before(r.CooldownUntil) {
		return false
	}
	return true
}
