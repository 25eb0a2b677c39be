package scorer

import (
	"path/filepath"
	"testing"
)

func TestScoreUsesHeuristicWhenUntrained(t *testing.T) {
	s := New(Config{MaxBuffer: 100, MinTrainSamples: 50}, nil)
	f := Features{PaddedSize: 100, IntervalSeconds: 10, DestCount: 1, DeviceChange: 0}
	risk := s.Score(f.Vector())
	if risk < 0 || risk > 100 {
		t.Fatalf("risk out of range: %d", risk)
	}
	if risk != 70 {
		t.Errorf("risk = %d, want 70 for a benign untrained observation", risk)
	}
}

func TestHeuristicFallbackPenalizesLargePayloadAndFastInterval(t *testing.T) {
	benign := Features{PaddedSize: 100, IntervalSeconds: 10, DestCount: 1}
	suspicious := Features{PaddedSize: 60 * 1024, IntervalSeconds: 0.5, DestCount: 12, DeviceChange: 1}

	benignRisk := heuristicFallback(benign)
	suspiciousRisk := heuristicFallback(suspicious)

	if suspiciousRisk >= benignRisk {
		t.Errorf("expected suspicious risk (%d) < benign risk (%d)", suspiciousRisk, benignRisk)
	}
	if suspiciousRisk != 0 {
		t.Errorf("expected fully-clamped suspicious risk = 0, got %d", suspiciousRisk)
	}
}

func TestForceRetrainRequiresMinimumSamples(t *testing.T) {
	s := New(Config{MaxBuffer: 100, MinTrainSamples: 10, Seed: 1}, nil)
	for i := 0; i < 5; i++ {
		_ = s.AddObservation([]float64{float64(i), 1, 1, 0})
	}
	if s.ForceRetrain() {
		t.Fatalf("expected ForceRetrain to refuse with insufficient samples")
	}
	if s.Health().Trained {
		t.Errorf("expected scorer to remain untrained")
	}
}

func TestForceRetrainTrainsAndVersionsIncrement(t *testing.T) {
	s := New(Config{MaxBuffer: 200, MinTrainSamples: 20, Seed: 7}, nil)
	for i := 0; i < 50; i++ {
		_ = s.AddObservation([]float64{float64(i % 5), float64(i % 3), 1, 0})
	}
	if !s.ForceRetrain() {
		t.Fatalf("expected ForceRetrain to succeed")
	}
	h1 := s.Health()
	if !h1.Trained {
		t.Fatalf("expected trained=true after retrain")
	}

	if !s.ForceRetrain() {
		t.Fatalf("expected second ForceRetrain to succeed")
	}
	h2 := s.Health()
	if h2.ModelVersion == h1.ModelVersion {
		t.Errorf("expected model version to change across retrains")
	}
}

func TestScoreIsPureAndDoesNotMutateBufferOrModel(t *testing.T) {
	s := New(Config{MaxBuffer: 200, MinTrainSamples: 20, Seed: 3}, nil)
	for i := 0; i < 40; i++ {
		_ = s.AddObservation([]float64{float64(i % 4), float64(i % 2), 1, 0})
	}
	s.ForceRetrain()

	before := s.Health()
	vector := []float64{1, 1, 1, 0}
	_ = s.Score(vector)
	_ = s.Score(vector)
	after := s.Health()

	if before.BufferSize != after.BufferSize {
		t.Errorf("expected buffer size unchanged by Score, got %d -> %d", before.BufferSize, after.BufferSize)
	}
	if before.ModelVersion != after.ModelVersion {
		t.Errorf("expected model version unchanged by Score")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	s := New(Config{MaxBuffer: 200, MinTrainSamples: 20, Seed: 11, ModelPath: path}, nil)
	for i := 0; i < 30; i++ {
		_ = s.AddObservation([]float64{float64(i % 6), float64(i % 4), 1, 0})
	}
	if !s.ForceRetrain() {
		t.Fatalf("expected ForceRetrain to succeed")
	}

	reloaded := New(Config{MaxBuffer: 200, MinTrainSamples: 20, Seed: 11, ModelPath: path}, nil)
	if !reloaded.Health().Trained {
		t.Fatalf("expected reloaded scorer to report trained=true from persisted model")
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	b := NewRingBuffer(3)
	b.Add([]float64{1})
	b.Add([]float64{2})
	b.Add([]float64{3})
	b.Add([]float64{4})

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(snap))
	}
	if snap[0][0] != 2 {
		t.Errorf("expected oldest (1) dropped, got first=%v", snap[0])
	}
}
