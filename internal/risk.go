package internal

import (
	"math"
	"strings"
	"time"
)

const defaultConfidence = 50.0 // assumed when a record carries none

// temporalRelevance maps last-seen recency onto [0.4, 1.0]; unknown gets a
// neutral midpoint.
func temporalRelevance(now, lastSeen time.Time) float64 {
	if lastSeen.IsZero() {
		return 0.5
	}
	age := now.Sub(lastSeen)
	switch {
	case age <= time.Hour:
		return 1.0
	case age <= 24*time.Hour:
		return 0.8
	case age <= 7*24*time.Hour:
		return 0.6
	default:
		return 0.4
	}
}

func severityScore(cfg EngineConfig, severity string) float64 {
	if s, ok := cfg.SeverityScores[strings.ToLower(severity)]; ok {
		return s
	}
	return cfg.SeverityUnknown
}

// effectiveThreatType prefers the classifier's verdict over the record's own
// labeling.
func effectiveThreatType(rec Record, cls Classification) string {
	if cls.Type != "" {
		return strings.ToLower(cls.Type)
	}
	if rec.ThreatType != "" {
		return strings.ToLower(rec.ThreatType)
	}
	return "unknown"
}

// assessRisk fuses the weighted normalized components into a 0-100 score.
// Every component lands in [0, 1] before weighting, so the weighted sum does
// too as long as the weights total 1.
func assessRisk(cfg EngineConfig, now time.Time, rec Record, anomaly *AnomalyResult, cls Classification, beh BehaviorReport) RiskAssessment {
	w := cfg.Weights

	confidence := rec.Confidence
	if confidence == 0 {
		confidence = defaultConfidence
	}
	confNorm := clampFloat(confidence/100, 0, 1)

	anomalyVal := cfg.AnomalyDefault
	if anomaly != nil && anomaly.IsAnomaly {
		anomalyVal = anomaly.Score
	}

	behavioral := clampFloat(beh.Deviation, 0, 1)
	temporal := temporalRelevance(now, rec.LastSeen)
	severity := severityScore(cfg, rec.Severity)

	factors := map[string]float64{
		"severity":          severity,
		"confidence":        confNorm,
		"anomaly":           anomalyVal,
		"behavioral":        behavioral,
		"temporal":          temporal,
		"asset_criticality": cfg.AssetCriticality,
	}

	sum := w.RiskSeverity*severity +
		w.RiskConfidence*confNorm +
		w.RiskAnomaly*anomalyVal +
		w.RiskBehavioral*behavioral +
		w.RiskTemporal*temporal +
		w.RiskAsset*cfg.AssetCriticality

	score := clampInt(int(math.Round(sum*100)), 0, 100)

	multiplier := 1.0
	if m, ok := cfg.ThreatMultipliers[effectiveThreatType(rec, cls)]; ok {
		multiplier = m
	}
	priority := clampInt(int(math.Round(float64(score)/10.0*multiplier)), 0, 10)

	return RiskAssessment{
		Score:              score,
		Level:              riskLevel(score),
		Factors:            factors,
		MitigationPriority: priority,
	}
}

func riskLevel(score int) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 60:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}

// compositeScore blends the four normalized verdict components and derives a
// confidence level from how much they agree: aligned components score high,
// scattered ones low, floored at 10.
func compositeScore(cfg EngineConfig, riskScore int, anomalyScore, confidence, behavioral float64) (composite, confidenceLevel int) {
	w := cfg.Weights

	r := clampFloat(float64(riskScore)/100, 0, 1)
	a := clampFloat(anomalyScore, 0, 1)
	c := clampFloat(confidence/100, 0, 1)
	b := clampFloat(behavioral, 0, 1)

	blend := w.CompositeRisk*r + w.CompositeAnomaly*a + w.CompositeConfidence*c + w.CompositeBehavioral*b
	composite = clampInt(int(math.Round(blend*100)), 0, 100)

	variance := populationVariance([]float64{r, a, c, b})
	confidenceLevel = clampInt(int(math.Round(100*math.Max(0.1, 1-variance))), 0, 100)
	return composite, confidenceLevel
}

func populationVariance(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
