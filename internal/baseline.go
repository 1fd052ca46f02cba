package internal

import (
	"fmt"
	"math"
	"sort"
)

const (
	zSaturation  = 3.0 // |z| at which the z component saturates to 1
	zFactorGate  = 2.0 // |z| above which a feature becomes an explanatory factor
	iqrFenceMult = 1.5
	zWeight      = 0.7
	iqrWeight    = 0.3
)

// Quartiles summarize one feature's distribution.
type Quartiles struct {
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
}

// StatisticalBaseline holds per-feature summary statistics, index-aligned with
// the canonical feature order. It is replaced wholesale on retrain, never
// mutated in place.
type StatisticalBaseline struct {
	Means     []float64   `json:"means"`
	Stds      []float64   `json:"stds"`
	Quartiles []Quartiles `json:"quartiles"`
}

// fitBaseline computes population statistics over a row-major matrix.
func fitBaseline(data [][]float64) *StatisticalBaseline {
	width := len(data[0])
	b := &StatisticalBaseline{
		Means:     make([]float64, width),
		Stds:      make([]float64, width),
		Quartiles: make([]Quartiles, width),
	}

	column := make([]float64, len(data))
	for f := 0; f < width; f++ {
		var sum float64
		for i, row := range data {
			column[i] = row[f]
			sum += row[f]
		}
		mean := sum / float64(len(data))

		var sqSum float64
		for _, v := range column {
			d := v - mean
			sqSum += d * d
		}

		sorted := append([]float64(nil), column...)
		sort.Float64s(sorted)

		b.Means[f] = mean
		b.Stds[f] = math.Sqrt(sqSum / float64(len(data)))
		b.Quartiles[f] = Quartiles{
			Q1:     quantile(sorted, 0.25),
			Median: quantile(sorted, 0.50),
			Q3:     quantile(sorted, 0.75),
		}
	}
	return b
}

// quantile interpolates linearly over a sorted slice.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// FeatureCount reports the vector width this baseline was fitted on.
func (b *StatisticalBaseline) FeatureCount() int { return len(b.Means) }

func (b *StatisticalBaseline) validate() error {
	if len(b.Means) == 0 || len(b.Stds) != len(b.Means) || len(b.Quartiles) != len(b.Means) {
		return fmt.Errorf("baseline: misaligned statistics arrays (%d/%d/%d)",
			len(b.Means), len(b.Stds), len(b.Quartiles))
	}
	return nil
}

// Score blends a saturated z-score with an IQR fence check per feature and
// averages across features. Returns values in [0, 1].
func (b *StatisticalBaseline) Score(v []float64) float64 {
	var total float64
	for f, val := range v {
		zPart := 0.0
		if b.Stds[f] > 0 {
			z := math.Abs(val-b.Means[f]) / b.Stds[f]
			zPart = math.Min(1, z/zSaturation)
		}

		q := b.Quartiles[f]
		iqr := q.Q3 - q.Q1
		fencePart := 0.0
		if val < q.Q1-iqrFenceMult*iqr || val > q.Q3+iqrFenceMult*iqr {
			fencePart = 1.0
		}

		total += zWeight*zPart + iqrWeight*fencePart
	}
	return total / float64(len(v))
}

// Factors lists features whose |z| exceeds the gate, most deviant first.
func (b *StatisticalBaseline) Factors(v []float64) []AnomalyFactor {
	var factors []AnomalyFactor
	for f, val := range v {
		if b.Stds[f] == 0 {
			continue
		}
		z := (val - b.Means[f]) / b.Stds[f]
		if math.Abs(z) <= zFactorGate {
			continue
		}
		direction := "above"
		if z < 0 {
			direction = "below"
		}
		factors = append(factors, AnomalyFactor{
			Feature:      featureName(f),
			Value:        val,
			BaselineMean: b.Means[f],
			ZScore:       z,
			Direction:    direction,
		})
	}
	sort.Slice(factors, func(i, j int) bool {
		return math.Abs(factors[i].ZScore) > math.Abs(factors[j].ZScore)
	})
	return factors
}

// Deviation summarizes how far a vector sits from the baseline overall.
func (b *StatisticalBaseline) Deviation(v []float64) DeviationSummary {
	var sum, max float64
	for f, val := range v {
		if b.Stds[f] == 0 {
			continue
		}
		z := math.Abs(val-b.Means[f]) / b.Stds[f]
		sum += z
		if z > max {
			max = z
		}
	}
	return DeviationSummary{
		MeanAbsZ: sum / float64(len(v)),
		MaxAbsZ:  max,
	}
}
