package scorer

import (
	"math"
	"math/rand"
)

// IsolationForest is a from-scratch random-partitioning outlier detector in
// the isolation-forest family (Liu, Ting & Zhou 2008): many random binary
// trees each isolate a point by repeated random feature/split selection;
// points with short average path length across the forest are anomalies.
//
// No third-party library in the example corpus implements this; it is
// built directly against spec.md §4.5's "isolation-forest-family, 100
// trees, contamination fraction configurable, deterministic random seed".
// Fields are exported so the forest round-trips through encoding/json for
// the on-disk persistence format.
type IsolationForest struct {
	Trees         []*iTreeNode `json:"trees"`
	SampleSize    int          `json:"sample_size"`
	AvgPathNorm   float64      `json:"avg_path_norm"`
	Contamination float64      `json:"contamination"`
}

type iTreeNode struct {
	IsLeaf    bool       `json:"leaf,omitempty"`
	Size      int        `json:"size,omitempty"`
	SplitFeat int        `json:"split_feat,omitempty"`
	SplitVal  float64    `json:"split_val,omitempty"`
	Left      *iTreeNode `json:"left,omitempty"`
	Right     *iTreeNode `json:"right,omitempty"`
}

// FitIsolationForest builds numTrees trees, each over a random sample of
// sampleSize rows drawn (with replacement) from data, using rng for all
// randomness so the result is reproducible given a seeded rng.
func FitIsolationForest(data [][]float64, numTrees, sampleSize int, contamination float64, rng *rand.Rand) *IsolationForest {
	if sampleSize <= 0 || sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := ceilLog2(sampleSize)

	f := &IsolationForest{
		SampleSize:    sampleSize,
		AvgPathNorm:   averagePathLength(float64(sampleSize)),
		Contamination: contamination,
	}

	for i := 0; i < numTrees; i++ {
		sample := sampleWithReplacement(data, sampleSize, rng)
		f.Trees = append(f.Trees, buildTree(sample, 0, maxDepth, rng))
	}
	return f
}

func sampleWithReplacement(data [][]float64, n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = data[rng.Intn(len(data))]
	}
	return out
}

func buildTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *iTreeNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &iTreeNode{IsLeaf: true, Size: len(rows)}
	}

	numFeatures := len(rows[0])
	feat := rng.Intn(numFeatures)

	lo, hi := rows[0][feat], rows[0][feat]
	for _, r := range rows {
		if r[feat] < lo {
			lo = r[feat]
		}
		if r[feat] > hi {
			hi = r[feat]
		}
	}
	if lo == hi {
		return &iTreeNode{IsLeaf: true, Size: len(rows)}
	}

	splitVal := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, r := range rows {
		if r[feat] < splitVal {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iTreeNode{IsLeaf: true, Size: len(rows)}
	}

	return &iTreeNode{
		SplitFeat: feat,
		SplitVal:  splitVal,
		Left:      buildTree(left, depth+1, maxDepth, rng),
		Right:     buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *iTreeNode, vector []float64, depth int) float64 {
	if node.IsLeaf {
		return float64(depth) + averagePathLength(float64(node.Size))
	}
	if vector[node.SplitFeat] < node.SplitVal {
		return pathLength(node.Left, vector, depth+1)
	}
	return pathLength(node.Right, vector, depth+1)
}

// Decision returns a value in roughly [-1, 1]: positive values indicate an
// inlier (normal point), negative values indicate an anomaly, matching the
// convention scorer.Score expects of "decision(model, vector)".
func (f *IsolationForest) Decision(vector []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	total := 0.0
	for _, t := range f.Trees {
		total += pathLength(t, vector, 0)
	}
	avgPath := total / float64(len(f.Trees))

	s := 0.5
	if f.AvgPathNorm > 0 {
		s = math.Exp2(-avgPath / f.AvgPathNorm)
	}
	d := 1 - 2*s
	if d > 1 {
		d = 1
	}
	if d < -1 {
		d = -1
	}
	return d
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*harmonic(n-1) - (2 * (n - 1) / n)
}

func harmonic(n float64) float64 {
	const eulerGamma = 0.5772156649015329
	if n <= 0 {
		return 0
	}
	return math.Log(n) + eulerGamma
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 1
	}
	depth := 0
	for (1 << depth) < n {
		depth++
	}
	return depth
}
