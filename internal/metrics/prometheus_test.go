package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(Join)
	m.Add(OfferRelayed, 2)
	m.SetMembership(3, 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_call_hub_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_call_hub_events_total{event="offer_relayed"} 2`) {
		t.Fatalf("missing offer counter: %s", body)
	}
	if !strings.Contains(body, `aero_call_hub_events_total{event="join"} 1`) {
		t.Fatalf("missing join counter: %s", body)
	}
	if !strings.Contains(body, "aero_call_hub_connections 3") {
		t.Fatalf("missing connections gauge: %s", body)
	}
	if !strings.Contains(body, "aero_call_hub_participants 2") {
		t.Fatalf("missing participants gauge: %s", body)
	}
}

func TestMetrics_GetAndSnapshot(t *testing.T) {
	m := New()
	if got := m.Get(AnswerDroppedStale); got != 0 {
		t.Fatalf("untouched counter=%d, want 0", got)
	}

	m.Inc(AnswerDroppedStale)
	m.Inc(AnswerDroppedStale)
	m.Inc(ChatRelayed)

	if got := m.Get(AnswerDroppedStale); got != 2 {
		t.Fatalf("%s=%d, want 2", AnswerDroppedStale, got)
	}
	snap := m.Snapshot()
	if len(snap) != 2 || snap[ChatRelayed] != 1 {
		t.Fatalf("snapshot=%v", snap)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(Join)
	m.SetMembership(1, 1)
	if got := m.Get(Join); got != 0 {
		t.Fatalf("nil metrics Get=%d, want 0", got)
	}

	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
