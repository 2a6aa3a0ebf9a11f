package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/detection"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/sources"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/streamcapture/memsource"
)

type staticDetector struct{}

func (staticDetector) Detect(_ context.Context, f models.Frame, _ detection.Options) ([]models.RawDetection, error) {
	return []models.RawDetection{{
		Class:      "person",
		Confidence: 0.9,
		Box:        models.BBox{X1: 10, Y1: 10, X2: 30, Y2: 50},
		Timestamp:  f.Timestamp,
	}}, nil
}

type nopEmitter struct{}

func (nopEmitter) Emit([]models.TrackedSlot, config.OSCSettings) error { return nil }
func (nopEmitter) Close() error                                      { return nil }

type testServer struct {
	srv     *Server
	manager *sources.Manager
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T, reload func() (*config.SourcesConfig, error), descs ...models.SourceDescriptor) *testServer {
	t.Helper()
	sc := config.DefaultSourcesConfig(nil)
	sc.Stream.ReadTimeout = models.Duration(200 * time.Millisecond)
	sc.Stream.BackoffMin = models.Duration(20 * time.Millisecond)
	sc.Stream.BackoffMax = models.Duration(100 * time.Millisecond)
	sc.Sources = descs

	opener := &memsource.Opener{Interval: 5 * time.Millisecond}
	m, err := sources.NewManager(sc, sources.Deps{
		Opener:   opener,
		Detector: staticDetector{},
		NewEmitter: func(string, config.OSCSettings, zerolog.Logger, func(error)) (sources.Emitter, error) {
			return nopEmitter{}, nil
		},
		Metrics:     metrics.NewCollector(time.Second, zerolog.Nop()),
		Logger:      zerolog.Nop(),
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	cfg := &config.Config{WorkerID: "worker-test", Version: "test", Port: 0, ConnectTimeout: time.Second, EventBufferSize: 16}
	s := NewServer(cfg, m, Options{
		DetectorHealthy: func() bool { return true },
		Reload:          reload,
		Defaults:        func() *config.SourcesConfig { return config.DefaultSourcesConfig(nil) },
		Opener:          opener,
		Gatherer:        reg,
	})
	if err := s.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return &testServer{srv: s, manager: m, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d; want 200", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["status"] != "healthy" || got["detector_healthy"] != true {
		t.Fatalf("health = %v", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}

	rec = ts.do(t, http.MethodGet, "/", nil)
	if got := decode[map[string]any](t, rec); got["worker_id"] != "worker-test" {
		t.Fatalf("info = %v", got)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q; want abc-123", got)
	}
}

func TestSourceCRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	cam := models.SourceDescriptor{ID: "cam1", Name: "Entrance", URI: "mem://cam1", Enabled: true}

	if rec := ts.do(t, http.MethodPost, "/sources", cam); rec.Code != http.StatusCreated {
		t.Fatalf("POST /sources = %d %s", rec.Code, rec.Body)
	}
	if rec := ts.do(t, http.MethodPost, "/sources", cam); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate POST = %d; want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/sources", models.SourceDescriptor{ID: "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("POST without uri = %d; want 400", rec.Code)
	}
	bad := models.SourceDescriptor{ID: "y", URI: "mem://y", ROI: []float64{1, 2}}
	if rec := ts.do(t, http.MethodPost, "/sources", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("POST with bad roi = %d; want 400", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/sources", nil)
	if list := decode[[]models.SourceDescriptor](t, rec); len(list) != 1 || list[0].ID != "cam1" {
		t.Fatalf("GET /sources = %v", list)
	}

	rec = ts.do(t, http.MethodGet, "/sources/cam1", nil)
	got := decode[struct {
		Source models.SourceDescriptor `json:"source"`
		Status sources.Status          `json:"status"`
	}](t, rec)
	if got.Source.Name != "Entrance" || got.Status.State != "stopped" {
		t.Fatalf("GET /sources/cam1 = %+v", got)
	}

	cam.Name = "Lobby"
	if rec := ts.do(t, http.MethodPut, "/sources/cam1", cam); rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", rec.Code, rec.Body)
	}
	if rec := ts.do(t, http.MethodPut, "/sources/other", cam); rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT with mismatched id = %d; want 400", rec.Code)
	}
	if d, _ := ts.manager.GetSource("cam1"); d.Name != "Lobby" {
		t.Fatalf("name after PUT = %q", d.Name)
	}

	if rec := ts.do(t, http.MethodDelete, "/sources/cam1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/sources/cam1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("GET after DELETE = %d; want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/sources/cam1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d; want 404", rec.Code)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	ts := newTestServer(t, nil,
		models.SourceDescriptor{ID: "cam1", URI: "mem://cam1", Enabled: true},
		models.SourceDescriptor{ID: "off", URI: "mem://off", Enabled: false},
	)

	if rec := ts.do(t, http.MethodPost, "/sources/cam1/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	waitFor(t, "cam1 running", func() bool {
		st, _ := ts.manager.StatusOf("cam1")
		return st.State == "running"
	})

	if rec := ts.do(t, http.MethodPost, "/sources/off/start", nil); rec.Code != http.StatusConflict {
		t.Fatalf("start disabled = %d; want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/sources/nope/restart", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("restart unknown = %d; want 404", rec.Code)
	}

	waitFor(t, "slots", func() bool {
		rec := ts.do(t, http.MethodGet, "/sources/cam1/slots", nil)
		return rec.Code == http.StatusOK && len(decode[[]models.TrackedSlot](t, rec)) == 1
	})

	rec := ts.do(t, http.MethodGet, "/status", nil)
	if st := decode[[]sources.Status](t, rec); len(st) != 2 || st[0].SourceID != "cam1" || st[0].State != "running" {
		t.Fatalf("GET /status = %+v", st)
	}

	rec = ts.do(t, http.MethodPost, "/sources/stop", nil)
	if res := decode[map[string]string](t, rec); res["cam1"] != "ok" || res["off"] != "ok" {
		t.Fatalf("stop all = %v", res)
	}
	if st, _ := ts.manager.StatusOf("cam1"); st.State != "stopped" {
		t.Fatalf("cam1 state after stop all = %s", st.State)
	}

	rec = ts.do(t, http.MethodPost, "/sources/start", nil)
	res := decode[map[string]string](t, rec)
	if res["cam1"] != "ok" || !strings.Contains(res["off"], "disabled") {
		t.Fatalf("start all = %v", res)
	}
}

func TestReload(t *testing.T) {
	ts := newTestServer(t, nil, models.SourceDescriptor{ID: "a", URI: "mem://a", Enabled: true})

	if rec := ts.do(t, http.MethodPost, "/reload", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("empty reload without file = %d; want 501", rec.Code)
	}

	body := `{"sources":[{"id":"b","uri":"mem://b","enabled":true}]}`
	rec := ts.do(t, http.MethodPost, "/reload", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", rec.Code, rec.Body)
	}
	res := decode[sources.ReloadResult](t, rec)
	if len(res.Added) != 1 || res.Added[0] != "b" || len(res.Removed) != 1 || res.Removed[0] != "a" {
		t.Fatalf("reload result = %+v", res)
	}

	invalid := `{"sources":[{"id":"c","uri":"mem://c"},{"id":"c","uri":"mem://d"}]}`
	if rec := ts.do(t, http.MethodPost, "/reload", invalid); rec.Code != http.StatusBadRequest {
		t.Fatalf("reload with duplicate ids = %d; want 400", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/reload", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("reload with bad json = %d; want 400", rec.Code)
	}
	if list := ts.manager.ListSources(); len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("sources after failed reloads = %v", list)
	}
}

func TestReloadFromFile(t *testing.T) {
	calls := 0
	reload := func() (*config.SourcesConfig, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("read sources file: boom")
		}
		sc := config.DefaultSourcesConfig(nil)
		sc.Sources = []models.SourceDescriptor{{ID: "f", URI: "mem://f"}}
		return sc, nil
	}
	ts := newTestServer(t, reload)

	if rec := ts.do(t, http.MethodPost, "/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", rec.Code, rec.Body)
	}
	if _, err := ts.manager.GetSource("f"); err != nil {
		t.Fatalf("source from file not added: %v", err)
	}
	if rec := ts.do(t, http.MethodPost, "/reload", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("reload with read error = %d; want 400", rec.Code)
	}
}

func TestCheckSource(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/sources/check", map[string]any{"uri": "mem://probe", "timeout_ms": 1000})
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d %s", rec.Code, rec.Body)
	}
	if res := decode[streamcapture.ProbeResult](t, rec); !res.Reachable || res.Width != 640 {
		t.Fatalf("probe = %+v", res)
	}
	if rec := ts.do(t, http.MethodPost, "/sources/check", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("check without uri = %d; want 400", rec.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, models.SourceDescriptor{ID: "cam1", URI: "mem://cam1", Enabled: true})

	rec := ts.do(t, http.MethodGet, "/metrics/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot = %d", rec.Code)
	}
	snap := decode[metrics.Snapshot](t, rec)
	if snap.System.TotalSources != 1 {
		t.Fatalf("total_sources = %d; want 1", snap.System.TotalSources)
	}
	if rec := ts.do(t, http.MethodGet, "/metrics/snapshot?source=nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("snapshot for unknown source = %d; want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rextrack_") {
		t.Fatalf("GET /metrics = %d\n%s", rec.Code, rec.Body)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/events?types=source"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	got := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := wsjson.Read(ctx, conn, &e); err == nil {
			got <- e
		}
	}()

	// The subscription is registered just after the upgrade; keep producing
	// source events until one arrives.
	for i := 0; ; i++ {
		if err := ts.manager.AddSource(ctx, models.SourceDescriptor{ID: fmt.Sprintf("ev%d", i), URI: "mem://ev"}); err != nil {
			t.Fatalf("AddSource: %v", err)
		}
		select {
		case e := <-got:
			if e.Type != events.TypeSource || !strings.HasPrefix(e.SourceID, "ev") {
				t.Fatalf("event = %+v", e)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatalf("no event received")
		}
	}
}
