package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	cfg := schema.PluginConfig{Name: "in-a", Type: schema.PluginInput}
	p := registry.New(cfg, nil)
	p.SetState(registry.StateRunning)
	p.RecordProcess(time.Millisecond, false)
	if err := reg.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	return New("127.0.0.1:0", Deps{
		InputRegistry:    reg,
		AnalysisRegistry: registry.New(),
		OutputRegistry:   registry.New(),
		Gatherer:         prometheus.NewRegistry(),
	})
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	s.router.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestDebugPluginsListsRegisteredPlugins(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/plugins", nil)
	rw := httptest.NewRecorder()
	s.router.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var plugins []pluginStatus
	if err := json.Unmarshal(rw.Body.Bytes(), &plugins); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}
	if plugins[0].Name != "in-a" || plugins[0].State != "running" {
		t.Fatalf("unexpected plugin entry: %+v", plugins[0])
	}
	if plugins[0].ProcessCount != 1 {
		t.Fatalf("expected process_count 1, got %d", plugins[0].ProcessCount)
	}
}

func TestHealthzSetsRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	s.router.ServeHTTP(rw, req)

	if rw.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected a generated request id header")
	}
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	s.router.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}
