package scorer

import "math"

// Normalizer holds per-feature mean and standard deviation fit over a
// buffer snapshot, used to z-score incoming vectors before scoring.
type Normalizer struct {
	Mean []float64
	Std  []float64
}

// FitNormalizer computes per-feature mean/variance over rows.
func FitNormalizer(rows [][]float64) *Normalizer {
	if len(rows) == 0 {
		return &Normalizer{}
	}
	numFeatures := len(rows[0])
	mean := make([]float64, numFeatures)
	for _, r := range rows {
		for i, v := range r {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}

	variance := make([]float64, numFeatures)
	for _, r := range rows {
		for i, v := range r {
			d := v - mean[i]
			variance[i] += d * d
		}
	}
	std := make([]float64, numFeatures)
	for i := range variance {
		std[i] = math.Sqrt(variance[i] / float64(len(rows)))
	}

	return &Normalizer{Mean: mean, Std: std}
}

// Transform returns a z-scored copy of vector against the fitted mean/std;
// vector itself is not modified. A zero-variance feature is left centered
// but unscaled.
func (n *Normalizer) Transform(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		if i >= len(n.Mean) {
			out[i] = v
			continue
		}
		d := v - n.Mean[i]
		if n.Std[i] > 0 {
			d /= n.Std[i]
		}
		out[i] = d
	}
	return out
}
