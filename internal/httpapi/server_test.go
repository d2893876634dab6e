package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ordercore/internal/adjustment"
	"ordercore/internal/broker"
	"ordercore/internal/command"
	"ordercore/internal/consumer"
	"ordercore/internal/facade"
	"ordercore/internal/guard"
	"ordercore/internal/model"
	"ordercore/internal/positionexit"
	"ordercore/internal/risk"
	"ordercore/internal/scriptmaster"
	"ordercore/internal/store"
	"ordercore/internal/watcher"
)

type fakeBroker struct {
	result    broker.PlaceOrderResult
	positions []broker.Position
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) (broker.PlaceOrderResult, error) {
	return f.result, nil
}
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]broker.BookEntry, error) { return nil, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type alwaysAllow struct{}

func (alwaysAllow) DailyPnL(ctx context.Context) (float64, error) { return 0, nil }

type fakeSelector struct{}

func (fakeSelector) SelectByDelta(ctx context.Context, underlying string, targetDelta decimal.Decimal, side model.Side) (string, string, error) {
	return "NIFTY24100PE", "NFO", nil
}

type fakeMarketData struct{}

func (fakeMarketData) Snapshot(ctx context.Context, cfg model.StrategyConfig) (adjustment.EvalContext, error) {
	return adjustment.EvalContext{}, nil
}

type noRules struct{}

func (noRules) RulesFor(strategyName string) []adjustment.Rule { return nil }

func newTestScriptmaster(t *testing.T) *scriptmaster.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	data, err := json.Marshal([]scriptmaster.Instrument{
		{Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50, TickSize: decimal.NewFromFloat(0.05), MarketAllowed: true},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	sm, err := scriptmaster.Load(path)
	require.NoError(t, err)
	return sm
}

const testAdminPassword = "correct-horse-battery-staple"

func newTestServer(t *testing.T, fb *fakeBroker) *Server {
	t.Helper()
	repo, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	riskMgr := risk.New(repo, alwaysAllow{}, risk.Config{DailyMaxLoss: -1000})
	g := guard.New(repo, fb)
	sm := newTestScriptmaster(t)
	cmds := command.New(repo, riskMgr, g, fb, sm)
	posExit := positionexit.New(fb, cmds)
	genericConsumer := consumer.NewGeneric(repo, cmds, "acct-1", time.Second, time.Minute)
	w := watcher.New(repo, fb, g, sm, "acct-1", time.Second)

	f := facade.New("acct-1", repo, cmds, posExit, riskMgr, g, sm, genericConsumer, w,
		fakeMarketData{}, fakeSelector{}, noRules{}, time.Second)
	sc := consumer.NewStrategy(repo, f, "acct-1", time.Second, time.Minute)
	f.SetStrategyConsumer(sc)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.DefaultCost)
	require.NoError(t, err)

	return New(f, repo, Config{
		ListenAddr:        ":0",
		ClientID:          "acct-1",
		JWTSigningKey:     "test-signing-key",
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
	})
}

func doRequest(s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func loginAsAdmin(t *testing.T, s *Server) string {
	t.Helper()
	w := doRequest(s, http.MethodPost, "/admin/login", "", map[string]string{
		"username": "admin",
		"password": testAdminPassword,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	w := doRequest(s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	w := doRequest(s, http.MethodGet, "/admin/orders/count-by-status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLoginWithWrongPasswordFails(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	w := doRequest(s, http.MethodPost, "/admin/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLoginThenCountByStatus(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	token := loginAsAdmin(t, s)

	w := doRequest(s, http.MethodGet, "/admin/orders/count-by-status", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookAlertSubmitsEntry(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B1"}}
	s := newTestServer(t, fb)

	w := doRequest(s, http.MethodPost, "/webhook/alert", "", map[string]interface{}{
		"execution_type": "ENTRY",
		"exchange":       "NFO",
		"symbol":         "NIFTY24000CE",
		"side":           "SELL",
		"quantity":       50,
		"product":        "NRML",
		"order_type":     "MARKET",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success       bool   `json:"success"`
		BrokerOrderID string `json:"broker_order_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "B1", resp.BrokerOrderID)
}

func TestForceExitRequiresReason(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	token := loginAsAdmin(t, s)

	w := doRequest(s, http.MethodPost, "/admin/force-exit", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForceExitSucceeds(t *testing.T) {
	fb := &fakeBroker{result: broker.PlaceOrderResult{Success: true, BrokerOrderID: "B2"}}
	s := newTestServer(t, fb)
	token := loginAsAdmin(t, s)

	w := doRequest(s, http.MethodPost, "/admin/force-exit", token, map[string]string{
		"reason": "daily_max_loss_breached",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInspectUnknownOrderReturns404(t *testing.T) {
	s := newTestServer(t, &fakeBroker{})
	token := loginAsAdmin(t, s)

	w := doRequest(s, http.MethodGet, "/admin/orders/does-not-exist", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
