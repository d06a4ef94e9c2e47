package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordPacketSent("RecordingState")
	m.RecordVADChunk(true, 0.01, 0.005)
	m.RecordStopRequested("silence")
	m.SetClientConnected(true)
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)
}

func TestRecordVADChunk(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordVADChunk(true, 0.012, 0.004)
	m.RecordVADChunk(false, 0.010, 0.003)

	if got := testutil.ToFloat64(m.VADChunksProcessed); got != 2 {
		t.Errorf("expected 2 chunks, got %f", got)
	}
	if got := testutil.ToFloat64(m.VADSpeechChunks); got != 1 {
		t.Errorf("expected 1 speech chunk, got %f", got)
	}
	if got := testutil.ToFloat64(m.VADThreshold); got < 0.0099 || got > 0.0101 {
		t.Errorf("expected threshold gauge 0.010, got %f", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPacketSent("FrequencyBands")
	m.RecordPacketSent("FrequencyBands")
	m.RecordPacketSent("RecordingState")
	m.RecordStopRequested("no_speech")

	if got := testutil.ToFloat64(m.PacketsSent.WithLabelValues("FrequencyBands")); got != 2 {
		t.Errorf("expected 2 FrequencyBands packets, got %f", got)
	}
	if got := testutil.ToFloat64(m.StopsRequested.WithLabelValues("no_speech")); got != 1 {
		t.Errorf("expected 1 no_speech stop, got %f", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances on private registries must not collide.
	first := NewMetrics(prometheus.NewRegistry())
	second := NewMetrics(prometheus.NewRegistry())

	first.SetClientConnected(true)
	if got := testutil.ToFloat64(second.ClientConnected); got != 0 {
		t.Errorf("registries leaked state: %f", got)
	}
}
