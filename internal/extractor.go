package internal

import (
	"math"
	"strings"
	"sync"
	"time"
)

// actor and family terms that raise the threat-actor signal when they appear
// in a record's text fields.
var contextBoosts = []struct {
	terms []string
	boost float64
}{
	{[]string{"apt28", "apt29", "apt40", "lazarus", "fancy bear"}, 2.0},
	{[]string{"wannacry", "petya", "ryuk", "lockbit", "conti", "blackcat"}, 2.5},
	{[]string{"zero-day", "0day"}, 3.0},
}

const maxContextBoost = 3.0

// Extractor maps raw records onto the canonical feature set. Frequency and
// cardinality come from probabilistic sketches, relational signals from the
// behavior graph, the rest from reputation and risk tables.
type Extractor struct {
	sourceWeights map[string]float64
	severityTable map[string]float64
	geoRisk       map[string]float64
	behavior      *GraphBehaviorAnalyzer

	mu   sync.Mutex // guards freq and seen
	freq *countMinSketch
	seen *hyperLogLog

	nowFn func() time.Time
}

// NewExtractor builds the default extractor. behavior may be nil, which
// zeroes the relational signals.
func NewExtractor(behavior *GraphBehaviorAnalyzer) *Extractor {
	return &Extractor{
		sourceWeights: map[string]float64{
			"virustotal":   1.0,
			"mitre-attack": 1.0,
			"otx":          0.9,
			"abuse-ch":     0.85,
			"internal":     0.7,
			"unknown":      0.5,
		},
		severityTable: map[string]float64{
			"critical": 1.0,
			"high":     0.8,
			"medium":   0.6,
			"low":      0.4,
			"info":     0.2,
		},
		geoRisk: map[string]float64{
			"KP": 0.95,
			"RU": 0.85,
			"IR": 0.85,
			"CN": 0.70,
			"BY": 0.70,
			"NG": 0.60,
			"VN": 0.55,
			"BR": 0.50,
			"US": 0.35,
			"DE": 0.30,
			"GB": 0.30,
			"NL": 0.30,
			"JP": 0.25,
		},
		behavior: behavior,
		freq:     newCountMinSketch(0.001, 0.01),
		seen:     newHyperLogLog(14),
		nowFn:    time.Now,
	}
}

// Extract derives the feature set for one record and folds the sighting into
// the frequency sketches.
func (e *Extractor) Extract(rec Record) FeatureSet {
	value := rec.Indicator
	if value == "" {
		value = rec.ID
	}

	e.mu.Lock()
	count := e.freq.Add([]byte(value))
	e.seen.Add([]byte(value))
	e.mu.Unlock()

	confidence := rec.Confidence
	if confidence == 0 {
		confidence = defaultConfidence
	}

	severity := 0.5
	if s, ok := e.severityTable[strings.ToLower(rec.Severity)]; ok {
		severity = s
	}

	temporal := 0.5
	if !rec.LastSeen.IsZero() {
		hours := e.nowFn().Sub(rec.LastSeen).Hours()
		if hours < 0 {
			hours = 0
		}
		temporal = math.Exp(-0.05 * hours)
	}

	reputation := e.sourceWeights["unknown"]
	if w, ok := e.sourceWeights[strings.ToLower(rec.Source)]; ok {
		reputation = w
	}

	geo := 0.3
	if g, ok := e.geoRisk[strings.ToUpper(rec.Country)]; ok {
		geo = g
	}

	behavioral := 0.5
	correlation := 0.0
	if e.behavior != nil {
		behavioral = clampFloat(0.3+0.5*e.behavior.NodeActivity(value), 0, 1)
		correlation = float64(e.behavior.Degree(value))
	}

	return FeatureSet{
		ConfidenceScore:    clampFloat(confidence, 0, 100),
		SeverityNumeric:    severity,
		TemporalScore:      clampFloat(temporal, 0, 1),
		SourceReputation:   reputation,
		IndicatorFrequency: math.Min(1, float64(count)/1000),
		GeographicRisk:     geo,
		NetworkEntropy:     clampFloat(shannonEntropy(value)/6, 0, 1),
		BehavioralScore:    behavioral,
		CorrelationCount:   correlation,
		ThreatActorScore:   contextBoost(rec) / maxContextBoost,
	}
}

// contextBoost sums the boosts of every matched term group, capped at the
// strongest single signal's scale.
func contextBoost(rec Record) float64 {
	var text strings.Builder
	text.WriteString(strings.ToLower(rec.Indicator))
	text.WriteByte(' ')
	text.WriteString(strings.ToLower(rec.ThreatType))
	for _, tag := range rec.Tags {
		text.WriteByte(' ')
		text.WriteString(strings.ToLower(tag))
	}
	for _, v := range rec.Metadata {
		text.WriteByte(' ')
		text.WriteString(strings.ToLower(v))
	}
	haystack := text.String()

	var boost float64
	for _, group := range contextBoosts {
		for _, term := range group.terms {
			if strings.Contains(haystack, term) {
				boost += group.boost
				break
			}
		}
	}
	return math.Min(boost, maxContextBoost)
}

// shannonEntropy measures byte-level entropy in bits per byte.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Stats reports sketch state for the status endpoint.
func (e *Extractor) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"distinct_indicators": e.seen.Estimate(),
		"sketch_depth":        e.freq.depth,
		"sketch_width":        e.freq.width,
	}
}
