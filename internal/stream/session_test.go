package stream

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/stt-telemetry-service/internal/audio"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/vad"
)

func newTestSession(t *testing.T, clock *fakeClock, maxRecorded int) *Session {
	t.Helper()
	engine, err := vad.NewEngine(vad.DefaultConfig(), vad.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(engine.Close)
	analyzer, err := audio.NewAnalyzer(testRate, 1024, 32)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	return newSession(sessionParams{
		engine:      engine,
		analyzer:    analyzer,
		telemetry:   &fakeTelemetry{},
		sampleRate:  testRate,
		maxRecorded: maxRecorded,
		logger:      slog.New(slog.DiscardHandler),
		now:         clock.Now,
	})
}

func TestSessionRetainsChunksWithoutCopying(t *testing.T) {
	s := newTestSession(t, newFakeClock(), 3*testChunk)

	chunks := make([][]float32, 4)
	for i := range chunks {
		chunks[i] = constantChunk(float32(i) * 0.001)
		s.HandleChunk(chunks[i])
	}

	s.mu.Lock()
	kept := len(s.recorded)
	shared := kept > 0 && &s.recorded[0][0] == &chunks[0][0]
	s.mu.Unlock()

	if kept != 3 {
		t.Fatalf("retained %d chunks, want 3", kept)
	}
	if !shared {
		t.Error("capture path copied the chunk instead of keeping a reference")
	}

	info := s.Info()
	if info.RecordedSamples != 3*testChunk {
		t.Errorf("RecordedSamples = %d, want %d", info.RecordedSamples, 3*testChunk)
	}
	if info.DroppedSamples != testChunk {
		t.Errorf("DroppedSamples = %d, want %d", info.DroppedSamples, testChunk)
	}

	flat := s.recordedAudio()
	if len(flat) != 3*testChunk {
		t.Fatalf("recordedAudio() length = %d, want %d", len(flat), 3*testChunk)
	}
	for i := 0; i < 3; i++ {
		if got, want := flat[i*testChunk], chunks[i][0]; got != want {
			t.Errorf("chunk %d starts with %v, want %v", i, got, want)
		}
	}

	s.complete("", 0, nil)
	if got := s.Info().RecordedSamples; got != 0 {
		t.Errorf("RecordedSamples after complete = %d, want 0", got)
	}
}

func TestSessionFollowsLevels(t *testing.T) {
	s := newTestSession(t, newFakeClock(), 10*testChunk)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s.metrics = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.runLevels(ctx) }()

	s.HandleChunk(constantChunk(0.05))
	waitFor(t, "the level to reach the session", func() bool {
		return s.Info().Level > 0
	})

	if got := s.Info().Level; math.Abs(float64(got)-0.05) > 1e-4 {
		t.Errorf("Info().Level = %v, want 0.05", got)
	}
	if got := testutil.ToFloat64(m.InputLevel); math.Abs(got-0.05) > 1e-4 {
		t.Errorf("input level gauge = %v, want 0.05", got)
	}

	// closing the engine ends the fan-out and the follower with it
	s.engine.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runLevels() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runLevels did not return after the engine closed")
	}
}
