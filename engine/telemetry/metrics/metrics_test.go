package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNoopProviderBasic(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "test_counter"}})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "test_gauge"}})
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "test_hist"}})
	timerCtor := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "test_timer_seconds"}})

	c.Inc(5)
	g.Set(10)
	g.Add(-3)
	h.Observe(123)
	timer := timerCtor()
	timer.ObserveDuration()
}

func TestPrometheusProviderRegistration(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "platecortex", Subsystem: "loop", Name: "cycles_total", Help: "total cycles run", Labels: []string{"category"}}})
	c.Inc(1, "calibration")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "platecortex_loop_cycles_total") {
		t.Fatalf("expected counter in rendered metrics, got body=%s", rr.Body.String())
	}
}

func TestPrometheusProviderGaugeAndHistogram(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "platecortex", Subsystem: "loop", Name: "epistemic_debt"}})
	g.Set(0.42)

	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "platecortex", Subsystem: "belief", Name: "entropy_bits"}, Buckets: []float64{0.1, 0.5, 1, 2}})
	hist.Observe(0.73)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rr, req)
	body := rr.Body.String()
	if !strings.Contains(body, "platecortex_loop_epistemic_debt") {
		t.Fatalf("expected gauge in rendered metrics, got body=%s", body)
	}
	if !strings.Contains(body, "platecortex_belief_entropy_bits") {
		t.Fatalf("expected histogram in rendered metrics, got body=%s", body)
	}
}

// Exceeding a metric's configured cardinality limit is best-effort (a
// one-time stderr warning), not a Health() failure: the provider must keep
// serving metrics even under label-value growth it didn't anticipate.
func TestHealthSurvivesCardinalityLimitExceeded(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{CardinalityLimit: 1})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "refusals_total", Labels: []string{"layer"}}})
	c.Inc(1, "physical")
	c.Inc(1, "biological")

	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("expected Health to stay nil for a cardinality warning, got %v", err)
	}
}
