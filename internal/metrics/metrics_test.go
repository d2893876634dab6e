package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCommandOutcomeSuccess(t *testing.T) {
	RecordCommandOutcome("ENTRY", "", true, 0.05)

	count := testutil.ToFloat64(CommandsTotal.WithLabelValues("ENTRY", "success"))
	assert.Equal(t, float64(1), count)
}

func TestRecordCommandOutcomeFailureRecordsTag(t *testing.T) {
	RecordCommandOutcome("EXIT", "guard_blocked", false, 0.01)

	count := testutil.ToFloat64(CommandFailuresByTag.WithLabelValues("guard_blocked"))
	assert.Equal(t, float64(1), count)
}

func TestSetRiskSnapshotReflectsCanExecute(t *testing.T) {
	SetRiskSnapshot(-500, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(RiskCanExecute))

	SetRiskSnapshot(100, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(RiskCanExecute))
}

func TestSetGuardSnapshotUpdatesBothGauges(t *testing.T) {
	SetGuardSnapshot(3, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(GuardPendingCount))
	assert.Equal(t, 2.0, testutil.ToFloat64(GuardActiveStrategiesCount))
}

func TestInitRegistersProcessCollectors(t *testing.T) {
	Init()
	mfs, err := Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestNewServerServesRegistryAtMetrics(t *testing.T) {
	RecordCommandOutcome("ENTRY", "", true, 0.01)

	srv := NewServer(":0")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ordercore_command_total")
}
