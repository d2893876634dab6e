package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/store"
)

type fakePnLSource struct {
	pnl float64
	err error
}

func (f *fakePnLSource) DailyPnL(ctx context.Context) (float64, error) {
	return f.pnl, f.err
}

func newTestManager(t *testing.T, src *fakePnLSource, cfg Config) *Manager {
	t.Helper()
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return New(repo, src, cfg)
}

func TestCanExecuteDefaultsTrueBeforeAnyHeartbeat(t *testing.T) {
	m := newTestManager(t, &fakePnLSource{pnl: 0}, Config{DailyMaxLoss: -1000, CooldownAfter: time.Minute})
	assert.True(t, m.CanExecute())
}

func TestHeartbeatBreachRaisesForceExitOnce(t *testing.T) {
	src := &fakePnLSource{pnl: -1200}
	m := newTestManager(t, src, Config{DailyMaxLoss: -1000, CooldownAfter: time.Minute})

	m.heartbeatOnce(context.Background())
	assert.False(t, m.CanExecute())

	select {
	case req := <-m.ForceExitCh():
		assert.Equal(t, "DAILY_MAX_LOSS", req.Reason)
	default:
		t.Fatal("expected a force exit request after breach")
	}

	// a second heartbeat at the same breach level must not raise again
	m.heartbeatOnce(context.Background())
	select {
	case <-m.ForceExitCh():
		t.Fatal("force_exit_request must fire exactly once per breach")
	default:
	}
}

func TestHeartbeatRecoveryClearsForceExitFlag(t *testing.T) {
	src := &fakePnLSource{pnl: -1200}
	m := newTestManager(t, src, Config{DailyMaxLoss: -1000, CooldownAfter: time.Millisecond})
	m.heartbeatOnce(context.Background())
	<-m.ForceExitCh()

	src.pnl = 100
	m.heartbeatOnce(context.Background())
	assert.False(t, m.Snapshot().ForceExitInProgress)
}

func TestRiskStatePersistsAcrossHeartbeats(t *testing.T) {
	src := &fakePnLSource{pnl: -500}
	m := newTestManager(t, src, Config{DailyMaxLoss: -1000, CooldownAfter: time.Minute})
	m.heartbeatOnce(context.Background())

	rs, err := m.repo.LoadRiskState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -500.0, rs.DailyPnL)
}
