package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/pkg/statusapi"
)

type fakeTransport struct {
	name    string
	running bool
}

func (f *fakeTransport) Name() string  { return f.name }
func (f *fakeTransport) Running() bool { return f.running }

func newTestServer(t *testing.T, transports ...Transport) (*Server, *telemetry.Metrics, *httptest.Server) {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	srv := NewServer(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, "1.2.3", metrics, reg)
	for _, tr := range transports {
		srv.AddTransport(tr)
	}

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return srv, metrics, ts
}

// TestHealthz checks the liveness endpoint body and code.
func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body statusapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Version != "1.2.3" {
		t.Errorf("body = %+v", body)
	}
}

// TestReadyz checks that readiness follows transport state.
func TestReadyz(t *testing.T) {
	t.Run("all transports running", func(t *testing.T) {
		_, _, ts := newTestServer(t,
			&fakeTransport{name: "discord", running: true},
			&fakeTransport{name: "telegram", running: true},
		)

		resp, err := http.Get(ts.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("degraded when a transport is down", func(t *testing.T) {
		_, _, ts := newTestServer(t,
			&fakeTransport{name: "discord", running: true},
			&fakeTransport{name: "telegram", running: false},
		)

		resp, err := http.Get(ts.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

// TestStatus checks the JSON summary, including counter totals fed
// from the metrics recorder.
func TestStatus(t *testing.T) {
	_, metrics, ts := newTestServer(t, &fakeTransport{name: "discord", running: true})

	metrics.TrackProcessed()
	metrics.TrackProcessed()
	metrics.TrackAPICall("weather")
	metrics.TrackRateLimit("user-1")
	metrics.TrackRateLimit("user-2")
	metrics.TrackLockContention()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body statusapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.Version != "1.2.3" {
		t.Errorf("version = %q", body.Version)
	}
	if len(body.Channels) != 1 || body.Channels[0].Name != "discord" || !body.Channels[0].Running {
		t.Errorf("channels = %+v", body.Channels)
	}
	if body.Counters.Processed != 2 {
		t.Errorf("processed = %d, want 2", body.Counters.Processed)
	}
	if body.Counters.RateLimited != 2 {
		t.Errorf("rate limited = %d, want 2", body.Counters.RateLimited)
	}
	if body.Counters.LockContention != 1 {
		t.Errorf("lock contention = %d, want 1", body.Counters.LockContention)
	}
	if body.Counters.APICalls["weather"] != 1 {
		t.Errorf("api calls = %v", body.Counters.APICalls)
	}
}

// TestMetricsEndpoint checks that prometheus counters are exposed in
// text exposition format.
func TestMetricsEndpoint(t *testing.T) {
	_, metrics, ts := newTestServer(t)

	metrics.TrackAPICall("completion")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), "kea_api_calls_total") {
		t.Error("exposition missing kea_api_calls_total")
	}
}

// TestStatusProbeClient checks the statusapi client against a live
// test server.
func TestStatusProbeClient(t *testing.T) {
	_, metrics, ts := newTestServer(t, &fakeTransport{name: "discord", running: true})
	metrics.TrackProcessed()

	client := statusapi.NewClient(ts.URL)

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q", health.Status)
	}

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Counters.Processed != 1 {
		t.Errorf("processed = %d, want 1", status.Counters.Processed)
	}
}
