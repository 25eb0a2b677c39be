package consensus

import (
	"math"
	"math/rand"
	"sort"
)

// fitFeatureWeights computes per-feature weight = normalized(variance *
// mean-independence), per spec.md §4.6's "fair feature weighting", where
// mean-independence of feature i is 1 - mean(|corr(i,j)|) for j != i.
func fitFeatureWeights(data [][]float64) []float64 {
	if len(data) == 0 {
		return nil
	}
	numFeatures := len(data[0])
	variance := columnVariance(data)
	corr := correlationMatrix(data)

	weights := make([]float64, numFeatures)
	for i := 0; i < numFeatures; i++ {
		sum, count := 0.0, 0
		for j := 0; j < numFeatures; j++ {
			if i == j {
				continue
			}
			sum += math.Abs(corr[i][j])
			count++
		}
		independence := 1.0
		if count > 0 {
			independence = 1 - sum/float64(count)
		}
		weights[i] = variance[i] * independence
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(numFeatures)
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

func applyFeatureWeights(vector, weights []float64) []float64 {
	if len(weights) == 0 {
		return vector
	}
	out := make([]float64, len(vector))
	for i, v := range vector {
		w := 1.0
		if i < len(weights) {
			w = weights[i] * float64(len(weights))
		}
		out[i] = v * w
	}
	return out
}

func columnMeans(data [][]float64) []float64 {
	numFeatures := len(data[0])
	mean := make([]float64, numFeatures)
	for _, row := range data {
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(data))
	}
	return mean
}

func columnVariance(data [][]float64) []float64 {
	mean := columnMeans(data)
	numFeatures := len(mean)
	variance := make([]float64, numFeatures)
	for _, row := range data {
		for i, v := range row {
			d := v - mean[i]
			variance[i] += d * d
		}
	}
	for i := range variance {
		variance[i] /= float64(len(data))
	}
	return variance
}

func correlationMatrix(data [][]float64) [][]float64 {
	mean := columnMeans(data)
	numFeatures := len(mean)
	std := make([]float64, numFeatures)
	for _, row := range data {
		for i, v := range row {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(data)))
	}

	corr := make([][]float64, numFeatures)
	for i := range corr {
		corr[i] = make([]float64, numFeatures)
	}
	for i := 0; i < numFeatures; i++ {
		for j := 0; j < numFeatures; j++ {
			if i == j || std[i] == 0 || std[j] == 0 {
				continue
			}
			cov := 0.0
			for _, row := range data {
				cov += (row[i] - mean[i]) * (row[j] - mean[j])
			}
			cov /= float64(len(data))
			corr[i][j] = cov / (std[i] * std[j])
		}
	}
	return corr
}

// robustScale computes per-feature median and median absolute deviation
// (MAD), the "robust-scaled view" the spec's outlier detector runs over.
type robustScale struct {
	median []float64
	mad    []float64
}

func fitRobustScale(data [][]float64) *robustScale {
	numFeatures := len(data[0])
	median := make([]float64, numFeatures)
	mad := make([]float64, numFeatures)

	for f := 0; f < numFeatures; f++ {
		col := make([]float64, len(data))
		for i, row := range data {
			col[i] = row[f]
		}
		m := medianOf(col)
		median[f] = m

		dev := make([]float64, len(col))
		for i, v := range col {
			dev[i] = math.Abs(v - m)
		}
		mad[f] = medianOf(dev)
	}
	return &robustScale{median: median, mad: mad}
}

func (r *robustScale) transform(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		scale := r.mad[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - r.median[i]) / (1.4826 * scale)
	}
	return out
}

func medianOf(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// fitOutlierView fits the robust-scaled outlier detector: normality
// probability decreases with robust distance from the median.
func fitOutlierView(data [][]float64, _ *rand.Rand) view {
	rs := fitRobustScale(data)
	return view{
		weight: 1,
		score: func(vector []float64) float64 {
			z := rs.transform(vector)
			dist := 0.0
			for _, v := range z {
				dist += v * v
			}
			dist = math.Sqrt(dist)
			return math.Exp(-dist / float64(len(z)+1))
		},
	}
}

// centroidModel is a minimal k-means (k=2) fit, used both as the
// supervised classifier's synthetic-label source and as the clusterer.
type centroidModel struct {
	centroids [][]float64
}

func fitKMeans2(data [][]float64, rng *rand.Rand) *centroidModel {
	if len(data) == 0 {
		return &centroidModel{}
	}
	c0 := append([]float64(nil), data[rng.Intn(len(data))]...)
	c1 := append([]float64(nil), data[rng.Intn(len(data))]...)

	for iter := 0; iter < 10; iter++ {
		var sum0, sum1 []float64
		var n0, n1 int
		for _, row := range data {
			if dist(row, c0) <= dist(row, c1) {
				sum0 = addVec(sum0, row)
				n0++
			} else {
				sum1 = addVec(sum1, row)
				n1++
			}
		}
		if n0 > 0 {
			c0 = scaleVec(sum0, 1.0/float64(n0))
		}
		if n1 > 0 {
			c1 = scaleVec(sum1, 1.0/float64(n1))
		}
	}
	return &centroidModel{centroids: [][]float64{c0, c1}}
}

func dist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func addVec(a, b []float64) []float64 {
	if a == nil {
		return append([]float64(nil), b...)
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func scaleVec(a []float64, s float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = v * s
	}
	return out
}

// fitClassifierView trains synthetic cluster labels via k-means, treating
// the larger cluster as "normal"; normality probability is the inverse
// normalized distance to the normal centroid.
func fitClassifierView(data [][]float64, rng *rand.Rand) view {
	km := fitKMeans2(data, rng)
	if len(km.centroids) < 2 {
		return view{weight: 1, score: func([]float64) float64 { return 0.5 }}
	}

	n0, n1 := 0, 0
	for _, row := range data {
		if dist(row, km.centroids[0]) <= dist(row, km.centroids[1]) {
			n0++
		} else {
			n1++
		}
	}
	normalCentroid := km.centroids[0]
	if n1 > n0 {
		normalCentroid = km.centroids[1]
	}
	maxDist := 1.0
	for _, row := range data {
		if d := dist(row, normalCentroid); d > maxDist {
			maxDist = d
		}
	}

	return view{
		weight: 1,
		score: func(vector []float64) float64 {
			d := dist(vector, normalCentroid)
			p := 1 - d/maxDist
			if p < 0 {
				p = 0
			}
			if p > 1 {
				p = 1
			}
			return p
		},
	}
}

// fitClustererView runs over a PCA-reduced projection (the single
// direction of maximum variance, found via power iteration — a minimal
// PCA sufficient for this one-dimensional reduction) and scores normality
// by proximity to the densest region along that axis.
func fitClustererView(data [][]float64, rng *rand.Rand) view {
	direction := principalDirection(data)
	projected := make([][]float64, len(data))
	for i, row := range data {
		projected[i] = []float64{dotProduct(row, direction)}
	}

	km := fitKMeans2(projected, rng)
	if len(km.centroids) < 2 {
		return view{weight: 1, score: func([]float64) float64 { return 0.5 }}
	}
	center := (km.centroids[0][0] + km.centroids[1][0]) / 2
	spread := math.Abs(km.centroids[0][0]-km.centroids[1][0]) + 1

	return view{
		weight: 1,
		score: func(vector []float64) float64 {
			p := dotProduct(vector, direction)
			d := math.Abs(p-center) / spread
			return math.Exp(-d)
		},
	}
}

func dotProduct(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// principalDirection finds an approximate top eigenvector of the
// covariance matrix via power iteration.
func principalDirection(data [][]float64) []float64 {
	numFeatures := len(data[0])
	cov := covarianceMatrix(data)

	v := make([]float64, numFeatures)
	for i := range v {
		v[i] = 1.0 / float64(numFeatures)
	}

	for iter := 0; iter < 20; iter++ {
		next := make([]float64, numFeatures)
		for i := 0; i < numFeatures; i++ {
			for j := 0; j < numFeatures; j++ {
				next[i] += cov[i][j] * v[j]
			}
		}
		norm := 0.0
		for _, x := range next {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return v
		}
		for i := range next {
			next[i] /= norm
		}
		v = next
	}
	return v
}

func covarianceMatrix(data [][]float64) [][]float64 {
	mean := columnMeans(data)
	numFeatures := len(mean)
	cov := make([][]float64, numFeatures)
	for i := range cov {
		cov[i] = make([]float64, numFeatures)
	}
	for _, row := range data {
		for i := 0; i < numFeatures; i++ {
			for j := 0; j < numFeatures; j++ {
				cov[i][j] += (row[i] - mean[i]) * (row[j] - mean[j])
			}
		}
	}
	for i := range cov {
		for j := range cov[i] {
			cov[i][j] /= float64(len(data))
		}
	}
	return cov
}

// weightedConsensus computes the weighted mean of probs and the (weighted)
// sample standard deviation around that mean.
func weightedConsensus(probs, weights []float64) (mean, stddev float64) {
	for i, p := range probs {
		mean += p * weights[i]
	}
	for i, p := range probs {
		d := p - mean
		stddev += weights[i] * d * d
	}
	stddev = math.Sqrt(stddev)
	return mean, stddev
}

func viewWeights(views []view) []float64 {
	out := make([]float64, len(views))
	for i, v := range views {
		out[i] = v.weight
	}
	return out
}

func normalizeWeights(views []view) {
	total := 0.0
	for _, v := range views {
		total += v.weight
	}
	if total <= 0 {
		for i := range views {
			views[i].weight = 1.0 / float64(len(views))
		}
		return
	}
	for i := range views {
		views[i].weight /= total
	}
}

// reweightByConsistency sets each view's final weight proportional to its
// measured agreement with the weighted-mean consensus across the training
// set, then renormalizes to sum to 1 (spec.md §4.6: "weights set during
// training by each model's measured consistency/agreement").
func reweightByConsistency(views []view, samples [][]float64) []view {
	if len(samples) == 0 {
		return views
	}
	uniform := make([]float64, len(views))
	for i := range uniform {
		uniform[i] = 1.0 / float64(len(views))
	}

	agreement := make([]float64, len(views))
	for _, probs := range samples {
		mean, _ := weightedConsensus(probs, uniform)
		for i, p := range probs {
			agreement[i] += 1 - math.Abs(p-mean)
		}
	}
	for i := range agreement {
		agreement[i] /= float64(len(samples))
		if agreement[i] < 0 {
			agreement[i] = 0
		}
	}

	for i := range views {
		views[i].weight = agreement[i]
	}
	normalizeWeights(views)
	return views
}

// averageConsensus computes the mean consensus score and mean stddev
// across every training sample, used to report health diagnostics.
func averageConsensus(samples [][]float64, weights []float64) (avgMean, avgStddev float64) {
	if len(samples) == 0 {
		return 0, 1
	}
	for _, probs := range samples {
		mean, stddev := weightedConsensus(probs, weights)
		avgMean += mean
		avgStddev += stddev
	}
	n := float64(len(samples))
	return avgMean / n, avgStddev / n
}
