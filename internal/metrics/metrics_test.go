package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ProbesInFlight == nil {
		t.Error("ProbesInFlight metric is nil")
	}
	if m.RequestResults == nil {
		t.Error("RequestResults metric is nil")
	}
}

func TestProbeLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordProbeSent()
	m.RecordProbeSent()
	m.RecordProbeSent()
	if got := testutil.ToFloat64(m.ProbesInFlight); got != 3 {
		t.Errorf("ProbesInFlight = %v, want 3", got)
	}

	m.RecordResolved(0.002)
	m.RecordExpired()
	if got := testutil.ToFloat64(m.ProbesInFlight); got != 1 {
		t.Errorf("ProbesInFlight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProbesSent); got != 3 {
		t.Errorf("ProbesSent = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RequestResults.WithLabelValues(ResultOK)); got != 1 {
		t.Errorf("results{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestResults.WithLabelValues(ResultTimeout)); got != 1 {
		t.Errorf("results{timeout} = %v, want 1", got)
	}

	m.SetInFlight(0)
	if got := testutil.ToFloat64(m.ProbesInFlight); got != 0 {
		t.Errorf("ProbesInFlight = %v, want 0", got)
	}
}

func TestRecordReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReply(true)
	m.RecordReply(false)
	m.RecordReply(false)

	if got := testutil.ToFloat64(m.RepliesReceived); got != 3 {
		t.Errorf("RepliesReceived = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RepliesUnmatched); got != 2 {
		t.Errorf("RepliesUnmatched = %v, want 2", got)
	}
}

func TestRequestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRequest()
	m.RecordMalformed()
	m.RecordResult(ResultForbidden)
	m.RecordResult(ResultThrottled)
	m.RecordDeliveryFailure()

	expected := `
		# HELP pingerd_request_results_total Total request outcomes by result
		# TYPE pingerd_request_results_total counter
		pingerd_request_results_total{result="forbidden"} 1
		pingerd_request_results_total{result="throttled"} 1
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pingerd_request_results_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.RequestsReceived); got != 1 {
		t.Errorf("RequestsReceived = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsMalformed); got != 1 {
		t.Errorf("RequestsMalformed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveryFailures); got != 1 {
		t.Errorf("DeliveryFailures = %v, want 1", got)
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
