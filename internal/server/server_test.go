package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/policy"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/pkg/engine"
)

var brakeState = []float64{0.5, 0.5, -0.25}

type fixture struct {
	eng *engine.Engine
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Enabled = false
	cfg.Tuner.Enabled = false
	cfg.Sleep.DecayInterval = time.Hour
	cfg.Policy = config.PolicyConfig{
		Mode:     "table",
		Latency:  5 * time.Millisecond,
		Fallback: "hold",
		Table: []policy.Entry{
			{Center: spatial.StateVector{0.5, 0.5, -0.25}, Radius: 0.2, Distribution: policy.Certain("brake", 1)},
		},
	}

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	srv := New(eng, cfg.Server, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())

	f := &fixture{eng: eng, srv: srv, ts: ts}
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		require.NoError(t, eng.Close())
	})
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(f.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) decide(t *testing.T, state []float64) engine.Decision {
	t.Helper()
	resp := f.post(t, "/api/v1/decide", DecideRequest{State: state})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d engine.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	return d
}

// ============================================================================
// REST
// ============================================================================

func TestServer_Decide(t *testing.T) {
	f := newFixture(t)

	d := f.decide(t, brakeState)
	assert.Equal(t, router.SourceDeliberate, d.Source)
	assert.Equal(t, router.ReasonLookupMiss, d.Reason)
	assert.Equal(t, "brake", d.Action.Name)
	assert.NotEmpty(t, d.ID)

	d = f.decide(t, []float64{-0.9})
	assert.Equal(t, "hold", d.Action.Name)
}

func TestServer_DecideBadRequest(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "state"},
		{"unknown field", `{"state":[0.1],"mood":"calm"}`},
		{"too many components", `{"state":[1,2,3,4,5,6,7,8,9]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.ts.URL+"/api/v1/decide", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp := f.get(t, "/api/v1/decide")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Report(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, brakeState)

	resp := f.post(t, "/api/v1/report", ReportRequest{DecisionID: d.ID, Success: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rr ReportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	assert.True(t, rr.Queued)

	resp = f.post(t, "/api/v1/report", ReportRequest{DecisionID: d.ID, Success: true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a decision is reported once")

	resp = f.post(t, "/api/v1/report", ReportRequest{DecisionID: "forged", Success: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.post(t, "/api/v1/report", ReportRequest{Success: true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ReportRejectsClientRecords(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, brakeState)

	// A client cannot relabel a decision: the old record-shaped body is refused.
	d.Action.Name = "accelerate"
	resp := f.post(t, "/api/v1/report", map[string]any{"decision": d, "success": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.eng.Stats().Consolidation.Queued)
}

func TestServer_ReportFailedDeliberateDecision(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, brakeState)
	require.Equal(t, router.SourceDeliberate, d.Source)

	resp := f.post(t, "/api/v1/report", ReportRequest{DecisionID: d.ID, Success: false})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, f.eng.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.eng.Stats().Consolidation.Discarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	next := f.decide(t, brakeState)
	assert.Equal(t, router.SourceDeliberate, next.Source)
}

func TestServer_Stats(t *testing.T) {
	f := newFixture(t)
	f.decide(t, brakeState)

	resp := f.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st engine.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, uint64(1), st.Decisions.Decisions)
	assert.Equal(t, uint64(1), st.Decisions.Deliberate)
	assert.Equal(t, uint8(10), st.Shift)
	assert.Nil(t, st.Sink)
}

func TestServer_Decisions(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		f.decide(t, []float64{-0.9})
	}

	resp := f.get(t, "/api/v1/decisions?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []engine.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	assert.Len(t, recs, 2)

	resp = f.get(t, "/api/v1/decisions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/api/v1/decisions?persisted=true")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DailyWithoutStorage(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/v1/stats/daily")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/api/v1/stats/daily?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DailyAndHealthWithStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Tuner.Enabled = false
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.SnapshotInterval = 0
	cfg.Storage.Retention = 0
	cfg.Storage.Sink.FlushInterval = 10 * time.Millisecond
	cfg.Sleep.DecayInterval = time.Hour
	cfg.Policy = config.PolicyConfig{Mode: "table", Fallback: "hold"}

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	srv := New(eng, cfg.Server, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	f := &fixture{eng: eng, srv: srv, ts: ts}
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		require.NoError(t, eng.Close())
	})

	d := f.decide(t, []float64{-0.9})
	date := d.DecidedAt.UTC().Format(time.DateOnly)

	var daily engine.Daily
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/stats/daily?date=" + date)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&daily) == nil && daily.Total == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), daily.Deliberate)
	assert.Zero(t, daily.ReflexRate)

	resp := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Storage)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.decide(t, brakeState)

	resp := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, HealthResponse{Status: "ok", Storage: "disabled"}, h)

	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reflex_decisions_total")
	assert.Contains(t, string(body), "reflex_hash_shift")
}

// ============================================================================
// Stream
// ============================================================================

func dialStream(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/decisions/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_Stream(t *testing.T) {
	f := newFixture(t)

	conn := dialStream(t, f, "?source=deliberate")
	want := f.decide(t, brakeState)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got engine.Decision
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, router.SourceDeliberate, got.Source)
}

func TestServer_StreamBadSource(t *testing.T) {
	f := newFixture(t)

	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/decisions/ws?source=psychic"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CloseEndsStreams(t *testing.T) {
	f := newFixture(t)
	conn := dialStream(t, f, "")

	done := make(chan struct{})
	go func() {
		f.srv.Close()
		close(done)
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	// New streams are refused once closed.
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/decisions/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Serve(t *testing.T) {
	f := newFixture(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.srv.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
