package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(CallsInitiated)
	m.Add(SignalsForwarded, 2)
	m.SetOnlineConnections(3)
	m.SetActiveCalls(1)
	m.ObserveStore(OpCreateCall, time.Now().Add(-5*time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE call_relay_events_total counter",
		`call_relay_events_total{event="calls_initiated"} 1`,
		`call_relay_events_total{event="signals_forwarded"} 2`,
		"call_relay_online_connections 3",
		"call_relay_active_calls 1",
		`call_relay_store_latency_seconds_count{op="create_call"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestMetrics_GetAndGauges(t *testing.T) {
	m := New()
	if got := m.Get(SignalsDropped); got != 0 {
		t.Fatalf("Get(unset)=%d, want 0", got)
	}
	m.Inc(SignalsDropped)
	m.Inc(SignalsDropped)
	if got := m.Get(SignalsDropped); got != 2 {
		t.Fatalf("Get=%d, want 2", got)
	}

	m.SetActiveCalls(4)
	if got := m.ActiveCalls(); got != 4 {
		t.Fatalf("ActiveCalls=%d, want 4", got)
	}
	m.SetOnlineConnections(0)
	if got := m.OnlineConnections(); got != 0 {
		t.Fatalf("OnlineConnections=%d, want 0", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(CallsEnded)
	m.SetActiveCalls(2)
	m.ObserveStore(OpFindUser, time.Now())
	if got := m.Get(CallsEnded); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	if m.Registry() != nil {
		t.Fatalf("Registry() on nil Metrics should be nil")
	}
}
