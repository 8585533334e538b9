package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("Metric %s %v not found", name, labels)
	return 0
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordPacketReceived()
	m.RecordPacketReceived()
	m.RecordPacketsLost(3)
	m.RecordFrame(true)
	m.RecordFrame(false)
	m.RecordFrame(false)
	m.RecordSegment(1.8)
	m.RecordJob("http", "success", 0.2, 0.4)
	m.SetEpisodes(7)
	m.RecordWebhookDelivery("success")
	m.RecordWebhookRetry()
	m.RecordWebhookRetry()

	tests := []struct {
		name     string
		labels   map[string]string
		expected float64
	}{
		{"desilence_packets_received_total", nil, 2},
		{"desilence_packets_lost_total", nil, 3},
		{"desilence_frames_classified_total", map[string]string{"result": "speech"}, 1},
		{"desilence_frames_classified_total", map[string]string{"result": "silence"}, 2},
		{"desilence_segments_emitted_total", nil, 1},
		{"desilence_jobs_processed_total", map[string]string{"source": "http", "status": "success"}, 1},
		{"desilence_library_episodes", nil, 7},
		{"desilence_webhook_deliveries_total", map[string]string{"status": "success"}, 1},
		{"desilence_webhook_retries_total", nil, 2},
	}

	for _, tt := range tests {
		if got := counterValue(t, reg, tt.name, tt.labels); got != tt.expected {
			t.Errorf("%s %v: expected %f, got %f", tt.name, tt.labels, tt.expected, got)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// Must not panic.
	m.RecordPacketReceived()
	m.RecordFrame(true)
	m.RecordSegment(1)
	m.RecordJob("cli", "error", 1, 0)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordWebhookDelivery("failed")
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice on the same registry would panic; separate ones must not.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
