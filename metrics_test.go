package termsocket

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.frameReceived(TagOutput)
	m.frameSent(TagInput)
	m.attempt()
	m.reconnectScheduled()
	m.authFailed()
	m.replaced(3)
	m.setOpen(true)
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	NewMetrics(reg)
}

func TestMetrics_RecordsConnectionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, MetricsOption(metrics))

	h.open()
	if got := testutil.ToFloat64(metrics.open); got != 1 {
		t.Errorf("connection_open = %v, want 1", got)
	}

	h.receive(outputFrame([]byte{'o', 'k', 0xFF}))
	h.receive("3title")
	h.receive("53")
	h.term.input("x")
	h.clock.Advance(30 * time.Second)

	if got := testutil.ToFloat64(metrics.framesReceived.WithLabelValues("1")); got != 1 {
		t.Errorf("output frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.framesReceived.WithLabelValues("3")); got != 1 {
		t.Errorf("title frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.framesSent.WithLabelValues("1")); got != 1 {
		t.Errorf("input frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.framesSent.WithLabelValues("2")); got != 1 {
		t.Errorf("ping frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.framesSent.WithLabelValues("3")); got != 1 {
		t.Errorf("resize frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.replacements); got != 1 {
		t.Errorf("replacements = %v, want 1", got)
	}

	h.drop()
	if got := testutil.ToFloat64(metrics.open); got != 0 {
		t.Errorf("connection_open after drop = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.reconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}

	h.clock.Advance(3 * time.Second)
	h.accept()
	h.receive("6auth FAIL")

	if got := testutil.ToFloat64(metrics.attempts); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.authFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.attempt()
	metrics.reconnectScheduled()

	expected := `
# HELP termsocket_connect_attempts_total Websocket connection attempts.
# TYPE termsocket_connect_attempts_total counter
termsocket_connect_attempts_total 1
# HELP termsocket_reconnects_scheduled_total Reconnect timers scheduled after a close.
# TYPE termsocket_reconnects_scheduled_total counter
termsocket_reconnects_scheduled_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"termsocket_connect_attempts_total",
		"termsocket_reconnects_scheduled_total",
	)
	if err != nil {
		t.Error(err)
	}
}
