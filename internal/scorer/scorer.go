// Package scorer implements the single-model anomaly scorer described in
// spec.md §4.5: a bounded rolling buffer of observation vectors, a
// from-scratch isolation-forest-family outlier detector, a deterministic
// heuristic fallback for the untrained state, and a background retrain
// loop following the copy-then-swap discipline of spec.md §5.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ghostline/ghostline/internal/telemetry"
)

const (
	numTrees      = 100
	modelVersionPrefix = "v"
)

// Features is the order of the fixed feature vector built by the request
// pipeline (spec.md §4.8): padded/message size, interval, dest count,
// device-change flag.
type Features struct {
	PaddedSize      float64
	IntervalSeconds float64
	DestCount       float64
	DeviceChange    float64
}

// Vector returns the feature vector in the fixed order scorer.Score expects.
func (f Features) Vector() []float64 {
	return []float64{f.PaddedSize, f.IntervalSeconds, f.DestCount, f.DeviceChange}
}

// Health is the snapshot returned by Health.
type Health struct {
	Trained       bool
	BufferSize    int
	MinSamples    int
	Contamination float64
	ModelVersion  string
	LastRetrainTS int64
}

// model is one trained generation, swapped in atomically by retrain.
type model struct {
	normalizer *Normalizer
	forest     *IsolationForest
	version    int
	trainedAt  int64
}

// Scorer is the single-model anomaly scorer. Buffer mutations and model
// swaps are guarded by mu; score reads the active model behind a short
// critical section and then operates on the captured reference without
// holding the lock, per spec.md §5.
type Scorer struct {
	mu            sync.Mutex
	buffer        Buffer
	minTrainSamples int
	contamination float64
	seed          int64
	active        *model // nil until first successful retrain
	modelPath     string
	logger        *slog.Logger
}

// Config configures a new Scorer.
type Config struct {
	MaxBuffer       int
	BufferStrategy  string // "drop_oldest" | "reservoir"
	MinTrainSamples int
	Contamination   float64
	ModelPath       string
	Seed            int64
}

// New creates a Scorer and attempts to load persisted state from
// cfg.ModelPath, falling back to untrained on any failure (spec.md §4.5).
func New(cfg Config, logger *slog.Logger) *Scorer {
	var buf Buffer
	if cfg.BufferStrategy == "reservoir" {
		buf = NewReservoirBuffer(cfg.MaxBuffer, cfg.Seed)
	} else {
		buf = NewRingBuffer(cfg.MaxBuffer)
	}

	s := &Scorer{
		buffer:          buf,
		minTrainSamples: cfg.MinTrainSamples,
		contamination:   cfg.Contamination,
		seed:            cfg.Seed,
		modelPath:       cfg.ModelPath,
		logger:          logger,
	}

	if cfg.ModelPath != "" {
		if m, err := loadPersistedModel(cfg.ModelPath); err == nil {
			s.active = m
			if logger != nil {
				logger.Info("loaded persisted scorer model", "version", m.version)
			}
		} else if logger != nil {
			logger.Debug("no persisted scorer model loaded, starting untrained", "error", err)
		}
	}

	return s
}

// AddObservation validates arity and finiteness and appends vector to the
// buffer, dropping the oldest (or a reservoir sample) if over capacity.
func (s *Scorer) AddObservation(vector []float64) error {
	if want := len(Features{}.Vector()); len(vector) != want {
		return fmt.Errorf("observation vector must have %d values, got %d", want, len(vector))
	}
	for _, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("observation vector contains non-finite value")
		}
	}
	s.mu.Lock()
	s.buffer.Add(vector)
	s.mu.Unlock()
	telemetry.ScorerBufferSize.Set(float64(s.buffer.Len()))
	return nil
}

// Score is pure: it never mutates the buffer or the model. When untrained
// it returns the deterministic heuristic fallback, reconstructed from the
// fixed-order feature vector (spec.md §4.8's [padded_size, interval,
// dest_count, device_change_flag]).
func (s *Scorer) Score(vector []float64) int {
	s.mu.Lock()
	m := s.active
	s.mu.Unlock()

	if m == nil {
		return heuristicFallback(featuresFromVector(vector))
	}

	z := m.normalizer.Transform(vector)
	d := m.forest.Decision(z)
	risk := 50 + 50*d
	return clampRound(risk)
}

func featuresFromVector(vector []float64) Features {
	var f Features
	if len(vector) > 0 {
		f.PaddedSize = vector[0]
	}
	if len(vector) > 1 {
		f.IntervalSeconds = vector[1]
	}
	if len(vector) > 2 {
		f.DestCount = vector[2]
	}
	if len(vector) > 3 {
		f.DeviceChange = vector[3]
	}
	return f
}

// ForceRetrain fits a fresh normalizer and forest over the current buffer
// snapshot if it holds at least minTrainSamples observations, then swaps
// them in atomically. Returns false without state change if there is not
// enough data yet.
func (s *Scorer) ForceRetrain() bool {
	s.mu.Lock()
	n := s.buffer.Len()
	if n < s.minTrainSamples {
		s.mu.Unlock()
		return false
	}
	snapshot := s.buffer.Snapshot()
	prevVersion := 0
	if s.active != nil {
		prevVersion = s.active.version
	}
	s.mu.Unlock()

	// Fit outside the lock, per spec.md §5.
	normalizer := FitNormalizer(snapshot)
	transformed := make([][]float64, len(snapshot))
	for i, row := range snapshot {
		transformed[i] = normalizer.Transform(row)
	}
	rng := rand.New(rand.NewSource(s.seed))
	sampleSize := 256
	if sampleSize > len(transformed) {
		sampleSize = len(transformed)
	}
	forest := FitIsolationForest(transformed, numTrees, sampleSize, s.contamination, rng)

	newModel := &model{
		normalizer: normalizer,
		forest:     forest,
		version:    prevVersion + 1,
		trainedAt:  time.Now().Unix(),
	}

	s.mu.Lock()
	s.active = newModel
	s.mu.Unlock()

	telemetry.ScorerRetrainsTotal.Inc()

	if s.modelPath != "" {
		if err := persistModel(s.modelPath, newModel); err != nil && s.logger != nil {
			s.logger.Error("persisting retrained scorer model", "error", err)
		}
	}

	return true
}

// Health reports the scorer's current state.
func (s *Scorer) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		BufferSize:    s.buffer.Len(),
		MinSamples:    s.minTrainSamples,
		Contamination: s.contamination,
	}
	if s.active != nil {
		h.Trained = true
		h.ModelVersion = fmt.Sprintf("%s%d", modelVersionPrefix, s.active.version)
		h.LastRetrainTS = s.active.trainedAt
	}
	return h
}

// heuristicFallback implements the deterministic, side-effect-free
// fallback from spec.md §4.5, used whenever no model is trained yet.
func heuristicFallback(f Features) int {
	risk := 70.0

	switch {
	case f.PaddedSize > 50*1024:
		risk -= 35
	case f.PaddedSize > 10*1024:
		risk -= 20
	case f.PaddedSize > 2*1024:
		risk -= 10
	}

	switch {
	case f.IntervalSeconds < 1:
		risk -= 30
	case f.IntervalSeconds < 5:
		risk -= 10
	}

	switch {
	case f.DestCount >= 10:
		risk -= 30
	case f.DestCount >= 3:
		risk -= 12
	}

	if f.DeviceChange != 0 {
		risk -= 30
	}

	return clampRound(risk)
}

func clampRound(risk float64) int {
	r := math.Round(risk)
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return int(r)
}

// Retrainer runs the periodic background retrain loop.
type Retrainer struct {
	scorer   *Scorer
	interval time.Duration
	logger   *slog.Logger
}

// NewRetrainer creates a background retrainer waking every interval.
func NewRetrainer(s *Scorer, interval time.Duration, logger *slog.Logger) *Retrainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Retrainer{scorer: s, interval: interval, logger: logger}
}

// Run blocks, invoking ForceRetrain on each tick, until ctx is cancelled.
// A failed or skipped retrain is logged and never crashes the loop; the
// previous model remains active.
func (r *Retrainer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok := r.scorer.ForceRetrain(); !ok && r.logger != nil {
				r.logger.Debug("scorer retrain skipped, insufficient samples")
			}
		}
	}
}
