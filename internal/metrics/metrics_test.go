package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveReport(t *testing.T) {
	m := NewMetrics([]string{"core"})
	outcomes := []quality.Outcome{
		quality.Succeeded(10 * time.Millisecond),
		quality.Lost(),
		quality.Succeeded(30 * time.Millisecond),
		quality.Succeeded(20 * time.Millisecond),
	}
	report := session.Report{
		Target:     "10.0.0.1",
		Status:     session.StatusCompleted,
		Result:     quality.Evaluate(outcomes, time.Second, 100),
		FinishedAt: time.Unix(1700000000, 0),
	}
	m.ObserveReport("core", report)

	if got := testutil.ToFloat64(m.lossPct.WithLabelValues("core")); got != 25 {
		t.Fatalf("loss = %v, want 25", got)
	}
	if got := testutil.ToFloat64(m.avgRTT.WithLabelValues("core")); got != 20 {
		t.Fatalf("avg rtt = %v, want 20", got)
	}
	if got := testutil.ToFloat64(m.jitter.WithLabelValues("core")); got != 15 {
		t.Fatalf("jitter = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.throughput.WithLabelValues("core")); got != 300 {
		t.Fatalf("throughput = %v, want 300", got)
	}
	if got := testutil.ToFloat64(m.mos.WithLabelValues("core")); got != report.Result.MOS {
		t.Fatalf("mos = %v, want %v", got, report.Result.MOS)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("core", "completed")); got != 1 {
		t.Fatalf("completed sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastRun.WithLabelValues("core")); got != 1700000000 {
		t.Fatalf("last run = %v", got)
	}
}

func TestObserveProbe(t *testing.T) {
	m := NewMetrics([]string{"edge"})
	m.ObserveProbe("edge", quality.Lost())
	m.ObserveProbe("edge", quality.Succeeded(time.Millisecond))
	m.ObserveProbe("edge", quality.Succeeded(time.Millisecond))
	if got := testutil.ToFloat64(m.probes.WithLabelValues("edge", "answered")); got != 2 {
		t.Fatalf("answered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.probes.WithLabelValues("edge", "lost")); got != 1 {
		t.Fatalf("lost = %v, want 1", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := NewMetrics([]string{"core"})
	m.ObserveReport("core", session.Report{Status: session.StatusFailed})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`nqprobe_sessions_total{status="failed",target="core"} 1`,
		`nqprobe_sessions_total{status="completed",target="core"} 0`,
		"nqprobe_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("x", quality.Lost())
	m.ObserveReport("x", session.Report{})
}
