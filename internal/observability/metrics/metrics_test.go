package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New()
	handler := m.Middleware("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/status", "GET", "418")); got != 1 {
		t.Fatalf("expected one request recorded, got %v", got)
	}
}

func TestAgentCounters(t *testing.T) {
	m := New()
	m.ObserveTradeCycle("failure", time.Second)
	m.ObserveTradeCycle("success", time.Second)
	m.ObserveTradeCycle("success", time.Second)
	m.ObserveBalancePoll(false, 0.004)
	m.ObservePhase("monitoring")

	if got := testutil.ToFloat64(m.tradeCycles.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.fundingBalance); got != 0.004 {
		t.Fatalf("unexpected funding balance %v", got)
	}
	if got := testutil.ToFloat64(m.balancePolls.WithLabelValues("unfunded")); got != 1 {
		t.Fatalf("unexpected poll count %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveDeployment("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `openagent_deploy_deployments_total{outcome="success"} 1`) {
		t.Fatalf("metrics output missing deployment counter:\n%s", body)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTradeCycle("success", time.Second)
	m.ObservePhase("error")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if m.Middleware("/x", next) == nil {
		t.Fatalf("nil metrics should return the wrapped handler")
	}
}
