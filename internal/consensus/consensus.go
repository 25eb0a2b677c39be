// Package consensus implements the optional consensus-ensemble anomaly
// scorer described in spec.md §4.6: a drop-in replacement for
// internal/scorer exposing the same add_observation/score/health contract,
// backed by three independent views of the same observation — a
// robust-scaled outlier detector, a classifier trained on synthetic
// cluster labels, and a clusterer over a PCA-reduced view — combined by a
// consistency-weighted mean.
package consensus

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

// Health carries scorer.Health's fields except Contamination, plus the
// ensemble-specific fields.
type Health struct {
	Trained         bool
	BufferSize      int
	MinSamples      int
	ModelVersion    string
	LastRetrainTS   int64
	ConsensusReached bool
	Confidence      float64
}

// view is one of the three independent models the ensemble consults.
type view struct {
	weight float64
	score  func(vector []float64) float64 // returns normality probability in [0,1]
}

// ensembleModel is one trained generation.
type ensembleModel struct {
	featureWeights []float64
	views          []view
	version        int
	trainedAt      int64
	lastConsensus  bool
	lastConfidence float64
}

// Ensemble is the consensus-ensemble scorer.
type Ensemble struct {
	mu              sync.Mutex
	buffer          [][]float64
	maxBuffer       int
	minTrainSamples int
	seed            int64
	active          *ensembleModel
	logger          *slog.Logger
}

// Config configures a new Ensemble.
type Config struct {
	MaxBuffer       int
	MinTrainSamples int
	Seed            int64
}

// New creates an untrained Ensemble.
func New(cfg Config, logger *slog.Logger) *Ensemble {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	return &Ensemble{
		maxBuffer:       cfg.MaxBuffer,
		minTrainSamples: cfg.MinTrainSamples,
		seed:            cfg.Seed,
		logger:          logger,
	}
}

// AddObservation appends vector to the buffer, dropping the oldest entry
// once at capacity.
func (e *Ensemble) AddObservation(vector []float64) error {
	for _, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("observation vector contains non-finite value")
		}
	}
	e.mu.Lock()
	e.buffer = append(e.buffer, append([]float64(nil), vector...))
	if len(e.buffer) > e.maxBuffer {
		e.buffer = e.buffer[len(e.buffer)-e.maxBuffer:]
	}
	size := len(e.buffer)
	e.mu.Unlock()
	telemetry.ScorerBufferSize.Set(float64(size))
	return nil
}

// Score returns risk in [0,100] (higher = safer), matching
// internal/scorer's contract exactly so the policy engine is unchanged.
// When untrained it falls back to the neutral midpoint score of 50, same
// as the pipeline's scorer-absent default (spec.md §4.8 step 5).
func (e *Ensemble) Score(vector []float64) int {
	e.mu.Lock()
	m := e.active
	e.mu.Unlock()

	if m == nil {
		return 50
	}

	weighted := applyFeatureWeights(vector, m.featureWeights)

	probs := make([]float64, len(m.views))
	for i, v := range m.views {
		probs[i] = v.score(weighted)
	}

	consensus, _ := weightedConsensus(probs, viewWeights(m.views))
	risk := math.Round(consensus * 100)
	return int(clamp(risk, 0, 100))
}

// Health reports the ensemble's current state, including the consensus
// diagnostics from the most recent training fit.
func (e *Ensemble) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{BufferSize: len(e.buffer), MinSamples: e.minTrainSamples}
	if e.active != nil {
		h.Trained = true
		h.ModelVersion = fmt.Sprintf("v%d", e.active.version)
		h.LastRetrainTS = e.active.trainedAt
		h.ConsensusReached = e.active.lastConsensus
		h.Confidence = e.active.lastConfidence
	}
	return h
}

// ForceRetrain fits fresh per-feature weights and the three views over the
// current buffer snapshot, then swaps the ensemble in atomically. Fitting
// happens outside the lock.
func (e *Ensemble) ForceRetrain() bool {
	e.mu.Lock()
	n := len(e.buffer)
	if n < e.minTrainSamples {
		e.mu.Unlock()
		return false
	}
	snapshot := make([][]float64, n)
	copy(snapshot, e.buffer)
	prevVersion := 0
	if e.active != nil {
		prevVersion = e.active.version
	}
	e.mu.Unlock()

	featureWeights := fitFeatureWeights(snapshot)
	weighted := make([][]float64, n)
	for i, row := range snapshot {
		weighted[i] = applyFeatureWeights(row, featureWeights)
	}

	rng := rand.New(rand.NewSource(e.seed))
	outlierView := fitOutlierView(weighted, rng)
	classifierView := fitClassifierView(weighted, rng)
	clustererView := fitClustererView(weighted, rng)

	views := []view{outlierView, classifierView, clustererView}
	normalizeWeights(views)

	// Measure agreement across the training set to report confidence and
	// set final per-view weights by measured consistency.
	var agreementSamples [][]float64
	for _, row := range weighted {
		probs := make([]float64, len(views))
		for i, v := range views {
			probs[i] = v.score(row)
		}
		agreementSamples = append(agreementSamples, probs)
	}
	views = reweightByConsistency(views, agreementSamples)

	_, avgStddev := averageConsensus(agreementSamples, viewWeights(views))

	m := &ensembleModel{
		featureWeights: featureWeights,
		views:          views,
		version:        prevVersion + 1,
		trainedAt:      time.Now().Unix(),
		lastConsensus:  avgStddev < 0.3,
		lastConfidence: 1 - avgStddev,
	}

	e.mu.Lock()
	e.active = m
	e.mu.Unlock()

	telemetry.ScorerRetrainsTotal.Inc()
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Retrainer runs the periodic background retrain loop, mirroring
// scorer.Retrainer's shape so app wiring can treat either scorer
// implementation identically.
type Retrainer struct {
	ensemble *Ensemble
	interval time.Duration
	logger   *slog.Logger
}

func NewRetrainer(e *Ensemble, interval time.Duration, logger *slog.Logger) *Retrainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Retrainer{ensemble: e, interval: interval, logger: logger}
}

func (r *Retrainer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok := r.ensemble.ForceRetrain(); !ok && r.logger != nil {
				r.logger.Debug("consensus ensemble retrain skipped, insufficient samples")
			}
		}
	}
}
