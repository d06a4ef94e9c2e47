package vad

import (
	"bytes"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"
)

const (
	chunkSize     = 512
	chunkDuration = 32 * time.Millisecond // 512 samples at 16 kHz
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, clock *fakeClock, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLogger(testLogger())}, opts...)
	engine, err := NewEngine(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func constantChunk(v float32) []float32 {
	chunk := make([]float32, chunkSize)
	for i := range chunk {
		chunk[i] = v
	}
	return chunk
}

// feed processes chunks for the given duration, advancing the clock after
// each one, and returns every decision.
func feed(engine *Engine, clock *fakeClock, chunk []float32, d time.Duration) []Decision {
	var decisions []Decision
	for elapsed := time.Duration(0); elapsed < d; elapsed += chunkDuration {
		decisions = append(decisions, engine.Process(chunk))
		clock.Advance(chunkDuration)
	}
	return decisions
}

func TestSilentStreamGivesUp(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)
	start := clock.Now()

	stopEdges := 0
	for elapsed := time.Duration(0); elapsed < 6*time.Second; elapsed += chunkDuration {
		d := engine.Process(constantChunk(0))
		if d.Recording || d.IsSpeech {
			t.Fatalf("silence at %v was treated as speech: %+v", elapsed, d)
		}
		if d.StopRequested {
			stopEdges++
			if since := clock.Now().Sub(start); since < 5*time.Second || since >= 5*time.Second+chunkDuration {
				t.Errorf("stop requested at %v, expected just after 5s", since)
			}
			if d.StopReason != StopNoSpeech {
				t.Errorf("expected no_speech reason, got %q", d.StopReason)
			}
		}
		clock.Advance(chunkDuration)
	}

	if stopEdges != 1 {
		t.Errorf("expected exactly one stop edge, got %d", stopEdges)
	}
	if !engine.ShouldStop() {
		t.Error("ShouldStop should stay true after the edge")
	}
	if engine.IsRecording() {
		t.Error("engine should never have started recording")
	}
}

func TestLoudSegmentStartsRecording(t *testing.T) {
	tests := []struct {
		name    string
		silence time.Duration
	}{
		{"after one second of silence", time.Second},
		{"after the grace period", 2500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			engine := newTestEngine(t, clock)

			for _, d := range feed(engine, clock, constantChunk(0), tt.silence) {
				if d.Recording {
					t.Fatal("silence started a recording")
				}
			}

			startedAt := -1
			for i, d := range feed(engine, clock, constantChunk(0.1), time.Second) {
				if d.RecordingStarted {
					if startedAt >= 0 {
						t.Fatal("recording start edge reported twice")
					}
					startedAt = i
				}
				if d.StopRequested {
					t.Fatalf("stop requested during loud segment at chunk %d", i)
				}
			}

			if startedAt < 0 || startedAt >= 5 {
				t.Fatalf("recording should start within 5 loud chunks, started at %d", startedAt)
			}
			if !engine.IsRecording() {
				t.Error("engine should be recording")
			}
		})
	}
}

func TestSilenceAfterSpeechRequestsStop(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)

	feed(engine, clock, constantChunk(0), 2500*time.Millisecond)
	feed(engine, clock, constantChunk(0.1), time.Second)
	silenceBegan := clock.Now()

	var stopAt time.Time
	for i, d := range feed(engine, clock, constantChunk(0), 3*time.Second) {
		if !d.Recording {
			t.Fatal("recording flag must stay set until the session is reset")
		}
		if d.StopRequested {
			if !stopAt.IsZero() {
				t.Fatal("stop edge fired twice")
			}
			stopAt = silenceBegan.Add(time.Duration(i) * chunkDuration)
			if d.StopReason != StopSilence {
				t.Errorf("expected silence reason, got %q", d.StopReason)
			}
		}
	}

	if stopAt.IsZero() {
		t.Fatal("expected stop after sustained silence")
	}
	// The smoothing window keeps reporting speech for a few chunks.
	gap := stopAt.Sub(silenceBegan)
	if gap < 1500*time.Millisecond || gap > 1500*time.Millisecond+6*chunkDuration {
		t.Errorf("stop requested %v after silence began", gap)
	}
}

func TestGracePeriodSuspendsStop(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)

	// Speech immediately, then silence that would exceed the timeout while
	// still inside the grace period.
	feed(engine, clock, constantChunk(0.1), 160*time.Millisecond)
	for _, d := range feed(engine, clock, constantChunk(0), 1800*time.Millisecond) {
		if d.StopRequested {
			t.Fatal("stop requested inside the grace period")
		}
	}
}

func TestSpeechRatioIsExclusive(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)

	engine.mu.Lock()
	defer engine.mu.Unlock()

	pattern := []struct {
		raw      bool
		expected bool
	}{
		{false, false},
		{false, false},
		{false, false},
		{false, false},
		{true, false}, // 1/5 == 0.2
		{true, true},  // 2/5
		{false, true},
		{false, true},
		{false, true}, // window: T T F F F
		{false, false},
	}

	for i, p := range pattern {
		if got := engine.addDecisionLocked(p.raw); got != p.expected {
			t.Errorf("step %d: got %v, want %v", i, got, p.expected)
		}
	}
}

func TestThresholdTracksLevels(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)

	initial := engine.GetThreshold()
	want := float32(0.005 + (0.015-0.005)*0.3)
	if diff := initial - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("initial threshold %f, want %f", initial, want)
	}

	// Loud background raises the baseline to the clamp ceiling.
	feed(engine, clock, constantChunk(0.5), 200*time.Millisecond)
	if got := engine.GetThreshold(); got != DefaultConfig().MaxThreshold {
		t.Errorf("threshold should clamp at max, got %f", got)
	}
}

func TestActiveAboveBaselineInvariant(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)
	rng := rand.New(rand.NewPCG(1, 2))
	cfg := DefaultConfig()

	chunk := make([]float32, chunkSize)
	for i := 0; i < 2000; i++ {
		amplitude := rng.Float32() * 0.05
		for j := range chunk {
			chunk[j] = (rng.Float32()*2 - 1) * amplitude
		}
		d := engine.Process(chunk)
		clock.Advance(chunkDuration)

		stats := engine.GetStats()
		if stats.ActiveLevel <= stats.BaselineLevel {
			t.Fatalf("chunk %d: active %f not above baseline %f", i, stats.ActiveLevel, stats.BaselineLevel)
		}
		if d.Threshold < cfg.MinThreshold || d.Threshold > cfg.MaxThreshold {
			t.Fatalf("chunk %d: threshold %f outside bounds", i, d.Threshold)
		}
	}
}

type panickingRecorder struct {
	remaining int
}

func (r *panickingRecorder) RecordVADChunk(bool, float32, float32) {
	if r.remaining > 0 {
		r.remaining--
		panic("recorder failure")
	}
}
func (r *panickingRecorder) RecordRecordingStarted()     {}
func (r *panickingRecorder) RecordStopRequested(string) {}
func (r *panickingRecorder) RecordVADRecovery()         {}

func TestPanicDuringUpdateDegrades(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, WithRecorder(&panickingRecorder{remaining: 1}))

	d := engine.Process(constantChunk(0))
	if !d.Degraded {
		t.Fatal("expected degraded decision after recovered panic")
	}

	d = engine.Process(constantChunk(0))
	if d.Degraded {
		t.Error("engine should recover fully once the fault clears")
	}

	stats := engine.GetStats()
	if stats.Recoveries != 1 {
		t.Errorf("expected 1 recovery, got %d", stats.Recoveries)
	}
	if stats.TotalChunks != 2 {
		t.Errorf("state written before the panic should be kept, got %d chunks", stats.TotalChunks)
	}
}

func TestLevelsPublished(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)
	defer engine.Close()

	levels, cancel := engine.SubscribeLevels(4)
	defer cancel()

	engine.Process(constantChunk(0.25))

	select {
	case level := <-levels:
		if level.Level != 0.25 {
			t.Errorf("expected level 0.25, got %f", level.Level)
		}
		if !level.Timestamp.Equal(clock.Now()) {
			t.Errorf("unexpected timestamp %v", level.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("no level published")
	}
}

func TestSlowSubscriberNeverBlocks(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)
	_, cancel := engine.SubscribeLevels(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		feed(engine, clock, constantChunk(0.01), 10*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Process blocked on an unread subscriber")
	}
	if engine.GetStats().LevelsDropped == 0 {
		t.Error("expected dropped levels for an unread subscriber")
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock)

	feed(engine, clock, constantChunk(0), 6*time.Second)
	if !engine.ShouldStop() {
		t.Fatal("expected stop before reset")
	}

	engine.Reset()
	if engine.ShouldStop() || engine.IsRecording() {
		t.Error("reset should clear the lifecycle flags")
	}
	if !engine.GetStats().RecordingStart.IsZero() {
		t.Error("recording start should be unset until the next chunk")
	}

	d := engine.Process(constantChunk(0))
	if d.StopRequested {
		t.Error("a fresh session must not stop on its first chunk")
	}
}

func TestConcurrentAccess(t *testing.T) {
	engine, err := NewEngine(DefaultConfig(), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			engine.Process(constantChunk(float32(i%10) * 0.01))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = engine.GetStats()
			_ = engine.GetThreshold()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			engine.Reset()
		}
	}()
	wg.Wait()
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		expected float32
	}{
		{"empty", nil, 0},
		{"silence", []float32{0, 0, 0}, 0},
		{"constant", []float32{0.5, -0.5, 0.5, -0.5}, 0.5},
		{"mixed", []float32{3, 4}, 3.535534},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.samples)
			if diff := got - tt.expected; diff > 1e-5 || diff < -1e-5 {
				t.Errorf("RMS = %f, want %f", got, tt.expected)
			}
		})
	}
}

func TestProcessLogsNothingAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	tests := []struct {
		name  string
		chunk []float32
	}{
		{"speech onset", constantChunk(0.1)},
		{"no speech timeout", constantChunk(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			clock := newFakeClock()
			engine := newTestEngine(t, clock, WithLogger(logger))

			feed(engine, clock, constantChunk(0), time.Second)
			feed(engine, clock, tt.chunk, 6*time.Second)

			if buf.Len() != 0 {
				t.Errorf("capture path logged at info or above:\n%s", buf.String())
			}
		})
	}
}
