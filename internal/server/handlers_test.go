package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/factory"
	"github.com/quantsim/marketsim/internal/market"
	"github.com/quantsim/marketsim/internal/push"
	"github.com/quantsim/marketsim/internal/templates"
)

type testEnv struct {
	srv   *httptest.Server
	store templates.Store
	ctrl  *market.Controller
	bus   *push.Bus
}

// delayStore slows template reads so tests can act during the build window.
type delayStore struct {
	templates.Store
	delay time.Duration
}

func (s *delayStore) Get(ctx context.Context, id string) (*domain.Template, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, id)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, templates.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store templates.Store) *testEnv {
	t.Helper()

	tracker := factory.NewTracker(time.Hour, zerolog.Nop())
	t.Cleanup(tracker.Close)

	pipeline := factory.NewPipeline(store, tracker, factory.Config{Workers: 4, Log: zerolog.Nop()})
	bus := push.NewBus(64, zerolog.Nop())

	ctrl := market.NewController(store, pipeline, tracker, bus, market.Config{
		FPS:       30,
		Retention: 100,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(ctrl.Shutdown)

	s := New(Config{
		Port:       0,
		Log:        zerolog.Nop(),
		Controller: ctrl,
		Templates:  store,
		Bus:        bus,
	})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, ctrl: ctrl, bus: bus}
}

func serverTemplate() *domain.Template {
	return &domain.Template{
		Name: "api-market",
		Exchange: domain.TemplateExchange{
			Name:          "main",
			Acceleration:  60,
			Drift:         0.05,
			MaxVolatility: 0.5,
		},
		Stocks: []domain.TemplateStock{
			{Symbol: "AAA", CompanyName: "Alpha", IssuePrice: 10, TotalShares: 900, Volatility: 0.3, VolatilityRank: 1},
			{Symbol: "BBB", CompanyName: "Beta", IssuePrice: 50, TotalShares: 600, Volatility: 0.1, VolatilityRank: 2},
		},
		Traders: []domain.TemplateTrader{
			{Name: "alice", RiskProfile: domain.RiskAggressive, TradingStyle: domain.StyleDay, MaxPositions: 5, InitialCapital: 10000},
			{Name: "bob", RiskProfile: domain.RiskModerate, TradingStyle: domain.StyleSwing, MaxPositions: 3, InitialCapital: 5000},
		},
		Allocation: domain.AllocEqual,
	}
}

// do issues a request with the optional user header and decodes the envelope.
func (env *testEnv) do(t *testing.T, method, path, user string, body any) (int, domain.Envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env2 domain.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env2))
	return resp.StatusCode, env2
}

// dataField re-decodes the envelope data into out.
func dataField(t *testing.T, env domain.Envelope, out any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

// createInstance seeds a template and drives a creation to completion over
// the API, returning the request and instance ids.
func (env *testEnv) createInstance(t *testing.T, tpl *domain.Template, user string) (string, string) {
	t.Helper()

	status, resp := env.do(t, http.MethodPost, "/api/templates", "", tpl)
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		ID string `json:"id"`
	}
	dataField(t, resp, &created)

	status, resp = env.do(t, http.MethodPost, "/api/market-instances", user,
		map[string]string{"templateId": created.ID})
	require.Equal(t, http.StatusAccepted, status)
	var accepted struct {
		RequestID string `json:"requestId"`
	}
	dataField(t, resp, &accepted)

	var progress factory.Progress
	require.Eventually(t, func() bool {
		st, r := env.do(t, http.MethodGet, "/api/market-instances/progress/"+accepted.RequestID, "", nil)
		if st != http.StatusOK {
			return false
		}
		dataField(t, r, &progress)
		return progress.Stage == factory.StageComplete
	}, 5*time.Second, 10*time.Millisecond, "creation should complete")

	return accepted.RequestID, progress.InstanceID
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
}

// checkStore reports a fixed database health result.
type checkStore struct {
	templates.Store
	err error
}

func (s *checkStore) QuickCheck(context.Context) error { return s.err }

func TestServer_HealthReportsDatabase(t *testing.T) {
	env := newTestEnvWithStore(t, &checkStore{Store: templates.NewMemoryStore()})
	status, resp := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	var body map[string]string
	dataField(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])

	env = newTestEnvWithStore(t, &checkStore{Store: templates.NewMemoryStore(), err: assert.AnError})
	status, resp = env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	dataField(t, resp, &body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["database"])
}

func TestServer_InstanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, instanceID := env.createInstance(t, serverTemplate(), "user-1")

	// List shows the one instance.
	status, resp := env.do(t, http.MethodGet, "/api/market-instances", "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	var previews []market.Preview
	dataField(t, resp, &previews)
	require.Len(t, previews, 1)
	assert.Equal(t, instanceID, previews[0].ID)
	assert.Equal(t, "api-market", previews[0].Name)

	// Details carry stocks and traders.
	status, resp = env.do(t, http.MethodGet, "/api/market-instances/"+instanceID, "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	var details market.Details
	dataField(t, resp, &details)
	assert.Len(t, details.Stocks, 2)
	assert.Len(t, details.Traders, 2)
	assert.Equal(t, 60.0, details.Acceleration)

	// Clock control.
	status, resp = env.do(t, http.MethodGet, "/api/market-instances/"+instanceID+"/time", "", nil)
	require.Equal(t, http.StatusOK, status)
	var info market.TimeInfo
	dataField(t, resp, &info)
	assert.Equal(t, 60.0, info.Acceleration)

	status, resp = env.do(t, http.MethodPatch, "/api/market-instances/"+instanceID+"/time", "",
		map[string]float64{"acceleration": 120})
	require.Equal(t, http.StatusOK, status)
	dataField(t, resp, &info)
	assert.Equal(t, 120.0, info.Acceleration)

	// Export returns the snapshot document.
	status, resp = env.do(t, http.MethodGet, "/api/market-instances/"+instanceID+"/export", "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	var snapshot market.Snapshot
	dataField(t, resp, &snapshot)
	assert.Equal(t, instanceID, snapshot.Instance.ID)
	assert.Len(t, snapshot.RuntimeState.Stocks, 2)
	require.NotNil(t, snapshot.TemplateData)
	assert.Equal(t, "api-market", snapshot.TemplateData.Name)

	// Destroy, then the instance is gone.
	status, resp = env.do(t, http.MethodDelete, "/api/market-instances/"+instanceID, "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, resp = env.do(t, http.MethodGet, "/api/market-instances/"+instanceID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeInstanceNotFound, resp.Error.Code)
}

func TestServer_KLineValidation(t *testing.T) {
	env := newTestEnv(t)
	_, instanceID := env.createInstance(t, serverTemplate(), "")

	base := "/api/market-instances/" + instanceID + "/stocks/AAA/kline"

	// Granularity is required.
	status, resp := env.do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeValidation, resp.Error.Code)

	// Unknown symbol.
	status, resp = env.do(t, http.MethodGet,
		"/api/market-instances/"+instanceID+"/stocks/NOPE/kline?granularity=1m", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeStockNotFound, resp.Error.Code)

	// Valid query on a fresh instance returns an empty array.
	status, resp = env.do(t, http.MethodGet,
		base+fmt.Sprintf("?granularity=1m&startTime=%d&limit=10", time.Now().Add(-time.Hour).UnixMilli()), "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	// Unknown instance -> 404 InstanceNotFound.
	status, resp := env.do(t, http.MethodGet, "/api/market-instances/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeInstanceNotFound, resp.Error.Code)

	// Unknown progress record -> 404 ProgressNotFound.
	status, resp = env.do(t, http.MethodGet, "/api/market-instances/progress/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeProgressNotFound, resp.Error.Code)

	// Create without a template id -> 400.
	status, resp = env.do(t, http.MethodPost, "/api/market-instances", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeValidation, resp.Error.Code)

	// Out-of-range acceleration -> 400 InvalidAcceleration.
	_, instanceID := env.createInstance(t, serverTemplate(), "owner")
	status, resp = env.do(t, http.MethodPatch, "/api/market-instances/"+instanceID+"/time", "",
		map[string]float64{"acceleration": 5000})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeInvalidAcceleration, resp.Error.Code)

	// Foreign user -> 403.
	status, resp = env.do(t, http.MethodGet, "/api/market-instances/"+instanceID, "intruder", nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeForbidden, resp.Error.Code)
}

func TestServer_CancelCreation(t *testing.T) {
	store := templates.NewMemoryStore()
	env := newTestEnvWithStore(t, &delayStore{Store: store, delay: 300 * time.Millisecond})

	tpl := serverTemplate()
	require.NoError(t, store.Put(context.Background(), tpl))

	status, resp := env.do(t, http.MethodPost, "/api/market-instances", "user-1",
		map[string]string{"templateId": tpl.ID})
	require.Equal(t, http.StatusAccepted, status)
	var accepted struct {
		RequestID string `json:"requestId"`
	}
	dataField(t, resp, &accepted)

	status, resp = env.do(t, http.MethodDelete, "/api/market-instances/progress/"+accepted.RequestID, "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	// The build rolls back to a terminal Cancelled record and the instance
	// never appears.
	require.Eventually(t, func() bool {
		st, r := env.do(t, http.MethodGet, "/api/market-instances/progress/"+accepted.RequestID, "", nil)
		if st != http.StatusOK {
			return false
		}
		var p factory.Progress
		dataField(t, r, &p)
		return p.Stage == factory.StageCancelled
	}, 5*time.Second, 10*time.Millisecond)

	status, _ = env.do(t, http.MethodGet, "/api/market-instances", "user-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, env.ctrl.List("user-1"))

	// Cancelling a finished request is rejected.
	instanceEnv := newTestEnv(t)
	requestID, _ := instanceEnv.createInstance(t, serverTemplate(), "user-1")
	status, resp = instanceEnv.do(t, http.MethodDelete, "/api/market-instances/progress/"+requestID, "user-1", nil)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeIllegalState, resp.Error.Code)
}

func TestServer_Templates(t *testing.T) {
	env := newTestEnv(t)
	tpl := serverTemplate()

	status, resp := env.do(t, http.MethodPost, "/api/templates", "", tpl)
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		ID string `json:"id"`
	}
	dataField(t, resp, &created)
	require.NotEmpty(t, created.ID)

	status, resp = env.do(t, http.MethodGet, "/api/templates/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var got domain.Template
	dataField(t, resp, &got)
	assert.Equal(t, tpl.Name, got.Name)
	assert.Len(t, got.Stocks, 2)

	// Invalid template is rejected.
	bad := serverTemplate()
	bad.Stocks = nil
	status, resp = env.do(t, http.MethodPost, "/api/templates", "", bad)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeValidation, resp.Error.Code)

	status, _ = env.do(t, http.MethodDelete, "/api/templates/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/api/templates/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeTemplateNotFound, resp.Error.Code)
}

func TestServer_DebugEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, instanceID := env.createInstance(t, serverTemplate(), "")

	status, resp := env.do(t, http.MethodGet, "/debug/loop/status?instanceId="+instanceID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var overview struct {
		IsRunning bool `json:"isRunning"`
		FPS       int  `json:"fps"`
	}
	dataField(t, resp, &overview)
	assert.False(t, overview.IsRunning)
	assert.Equal(t, 30, overview.FPS)

	status, _ = env.do(t, http.MethodPost, "/debug/loop/start?instanceId="+instanceID, "", nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/debug/gameobjects/stats", "", nil)
	require.Equal(t, http.StatusOK, status)
	var stats struct {
		Instances        int `json:"instances"`
		RunningInstances int `json:"runningInstances"`
		TotalObjects     int `json:"totalObjects"`
	}
	dataField(t, resp, &stats)
	assert.Equal(t, 1, stats.Instances)
	assert.Equal(t, 1, stats.RunningInstances)
	assert.Equal(t, 5, stats.TotalObjects) // exchange + 2 stocks + 2 traders

	status, _ = env.do(t, http.MethodPost, "/debug/loop/stop?instanceId="+instanceID, "", nil)
	require.Equal(t, http.StatusOK, status)

	// Missing instanceId on loop control -> 400.
	status, resp = env.do(t, http.MethodPost, "/debug/loop/start", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeValidation, resp.Error.Code)

	status, resp = env.do(t, http.MethodGet, "/debug/performance", "", nil)
	require.Equal(t, http.StatusOK, status)
	var perf map[string]any
	dataField(t, resp, &perf)
	assert.Contains(t, perf, "goroutines")
}
