package internal

import (
	"context"
	"math"
)

// HeuristicClassifier labels a feature set with its most likely threat type
// using fixed linear profiles over the feature signals. Default classifier
// until a learned one is wired in.
type HeuristicClassifier struct{}

func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

type threatProfile struct {
	name    string
	score   func(f FeatureSet) float64
	vectors []string
}

func correlationNorm(f FeatureSet) float64 {
	return clampFloat(f.CorrelationCount/20, 0, 1)
}

var threatProfiles = []threatProfile{
	{
		name: "ransomware",
		score: func(f FeatureSet) float64 {
			return 0.45*f.SeverityNumeric + 0.30*f.BehavioralScore + 0.25*f.ThreatActorScore
		},
		vectors: []string{"phishing_email", "exposed_rdp", "lateral_movement"},
	},
	{
		name: "apt",
		score: func(f FeatureSet) float64 {
			return 0.45*f.ThreatActorScore + 0.30*correlationNorm(f) + 0.25*(1-f.TemporalScore)
		},
		vectors: []string{"spear_phishing", "supply_chain", "credential_theft"},
	},
	{
		name: "malware",
		score: func(f FeatureSet) float64 {
			return 0.35*f.SeverityNumeric + 0.35*f.NetworkEntropy + 0.30*f.IndicatorFrequency
		},
		vectors: []string{"drive_by_download", "malicious_attachment"},
	},
	{
		name: "botnet",
		score: func(f FeatureSet) float64 {
			return 0.40*f.IndicatorFrequency + 0.35*f.NetworkEntropy + 0.25*correlationNorm(f)
		},
		vectors: []string{"c2_beaconing", "ddos"},
	},
	{
		name: "phishing",
		score: func(f FeatureSet) float64 {
			return 0.40*(1-f.SourceReputation) + 0.35*f.GeographicRisk + 0.25*(1-clampFloat(f.ConfidenceScore/100, 0, 1))
		},
		vectors: []string{"credential_harvesting", "brand_impersonation"},
	},
	{
		name: "scanning",
		score: func(f FeatureSet) float64 {
			return 0.45*f.IndicatorFrequency + 0.30*(1-f.SeverityNumeric) + 0.25*f.GeographicRisk
		},
		vectors: []string{"port_scan", "service_enumeration"},
	},
}

// Classify scores every profile and reports the strongest, with per-type
// probabilities normalized over the profile scores.
func (c *HeuristicClassifier) Classify(ctx context.Context, f FeatureSet) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}

	probs := make(map[string]float64, len(threatProfiles))
	var best threatProfile
	bestScore := -1.0
	var total float64
	for _, p := range threatProfiles {
		s := clampFloat(p.score(f), 0, 1)
		probs[p.name] = s
		total += s
		if s > bestScore {
			bestScore = s
			best = p
		}
	}
	if total > 0 {
		for k := range probs {
			probs[k] /= total
		}
	}

	if bestScore <= 0 {
		return Classification{
			Type:          "unknown",
			Confidence:    defaultConfidence,
			Probabilities: probs,
		}, nil
	}
	return Classification{
		Type:          best.name,
		Confidence:    math.Round(100 * bestScore),
		Probabilities: probs,
		AttackVectors: best.vectors,
	}, nil
}
