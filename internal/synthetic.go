package internal

import "math/rand"

// Range bounds one feature's uniform sampling interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SyntheticProfile drives cold-start training data generation: a population
// of plausible normal traffic plus a small caricatured anomalous tail, both
// drawn uniformly per feature.
type SyntheticProfile struct {
	NormalCount    int              `json:"normal_count"`
	AnomalousCount int              `json:"anomalous_count"`
	Normal         map[string]Range `json:"normal"`
	Anomalous      map[string]Range `json:"anomalous"`
}

// DefaultSyntheticProfile mirrors the shape of feed traffic observed in
// production: mid confidence, moderate severity, reputable sources, low
// correlation fan-out. The anomalous table exaggerates the opposite corner.
func DefaultSyntheticProfile() SyntheticProfile {
	return SyntheticProfile{
		NormalCount:    1000,
		AnomalousCount: 50,
		Normal: map[string]Range{
			"confidence_score":    {Min: 40, Max: 95},
			"severity_numeric":    {Min: 0.2, Max: 0.7},
			"temporal_score":      {Min: 0.3, Max: 0.9},
			"source_reputation":   {Min: 0.5, Max: 1.0},
			"indicator_frequency": {Min: 0.0, Max: 0.4},
			"geographic_risk":     {Min: 0.1, Max: 0.6},
			"network_entropy":     {Min: 0.2, Max: 0.7},
			"behavioral_score":    {Min: 0.2, Max: 0.6},
			"correlation_count":   {Min: 0, Max: 5},
			"threat_actor_score":  {Min: 0.0, Max: 0.4},
		},
		Anomalous: map[string]Range{
			"confidence_score":    {Min: 5, Max: 25},
			"severity_numeric":    {Min: 0.85, Max: 1.0},
			"temporal_score":      {Min: 0.0, Max: 0.1},
			"source_reputation":   {Min: 0.0, Max: 0.3},
			"indicator_frequency": {Min: 0.7, Max: 1.0},
			"geographic_risk":     {Min: 0.75, Max: 1.0},
			"network_entropy":     {Min: 0.85, Max: 1.0},
			"behavioral_score":    {Min: 0.8, Max: 1.0},
			"correlation_count":   {Min: 12, Max: 40},
			"threat_actor_score":  {Min: 0.7, Max: 1.0},
		},
	}
}

// Generate draws NormalCount + AnomalousCount feature sets from the profile.
func (p SyntheticProfile) Generate(rng *rand.Rand) []FeatureSet {
	samples := make([]FeatureSet, 0, p.NormalCount+p.AnomalousCount)
	for i := 0; i < p.NormalCount; i++ {
		samples = append(samples, drawSample(rng, p.Normal))
	}
	for i := 0; i < p.AnomalousCount; i++ {
		samples = append(samples, drawSample(rng, p.Anomalous))
	}
	return samples
}

// GenerateNormal draws only the normal population, for baseline-shape tests
// and calibration runs.
func (p SyntheticProfile) GenerateNormal(rng *rand.Rand) []FeatureSet {
	samples := make([]FeatureSet, 0, p.NormalCount)
	for i := 0; i < p.NormalCount; i++ {
		samples = append(samples, drawSample(rng, p.Normal))
	}
	return samples
}

func drawSample(rng *rand.Rand, ranges map[string]Range) FeatureSet {
	draw := func(name string) float64 {
		r := ranges[name]
		return r.Min + rng.Float64()*(r.Max-r.Min)
	}
	return FeatureSet{
		ConfidenceScore:    draw("confidence_score"),
		SeverityNumeric:    draw("severity_numeric"),
		TemporalScore:      draw("temporal_score"),
		SourceReputation:   draw("source_reputation"),
		IndicatorFrequency: draw("indicator_frequency"),
		GeographicRisk:     draw("geographic_risk"),
		NetworkEntropy:     draw("network_entropy"),
		BehavioralScore:    draw("behavioral_score"),
		CorrelationCount:   draw("correlation_count"),
		ThreatActorScore:   draw("threat_actor_score"),
	}
}
