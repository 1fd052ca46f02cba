package internal

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestShannonEntropy(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"aaaa", 0},
		{"ab", 1},
		{"abcd", 2},
	}
	for _, tc := range cases {
		if got := shannonEntropy(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("entropy(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCountMinSketchNeverUndercounts(t *testing.T) {
	cms := newCountMinSketch(0.001, 0.01)
	key := []byte("c2.evil.example")

	var prev uint64
	for i := 0; i < 5; i++ {
		got := cms.Add(key)
		if got <= prev {
			t.Fatalf("add %d returned %d, estimates must grow", i, got)
		}
		prev = got
	}
	if got := cms.Estimate(key); got < 5 {
		t.Errorf("estimate = %d, want at least the true count 5", got)
	}
	cms.Add([]byte("other.example"))
	if got := cms.Estimate([]byte("other.example")); got < 1 {
		t.Errorf("estimate = %d, want at least 1", got)
	}
}

func TestHyperLogLogCardinality(t *testing.T) {
	hll := newHyperLogLog(14)
	for i := 0; i < 1000; i++ {
		hll.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	got := hll.Estimate()
	if got < 900 || got > 1100 {
		t.Errorf("estimate = %d, want within 10%% of 1000", got)
	}

	for i := 0; i < 1000; i++ {
		hll.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	if again := hll.Estimate(); again != got {
		t.Errorf("re-adding known keys moved the estimate: %d -> %d", got, again)
	}
}

func TestExtractKnownTables(t *testing.T) {
	e := NewExtractor(nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.nowFn = func() time.Time { return now }

	fs := e.Extract(Record{
		Indicator:  "45.155.205.233",
		Source:     "virustotal",
		Severity:   "critical",
		Country:    "ru",
		Confidence: 80,
		LastSeen:   now,
	})
	if fs.ConfidenceScore != 80 {
		t.Errorf("confidence = %v, want 80", fs.ConfidenceScore)
	}
	if fs.SeverityNumeric != 1.0 {
		t.Errorf("severity = %v, want 1.0 for critical", fs.SeverityNumeric)
	}
	if fs.TemporalScore != 1.0 {
		t.Errorf("temporal = %v, want 1.0 for a sighting right now", fs.TemporalScore)
	}
	if fs.SourceReputation != 1.0 {
		t.Errorf("reputation = %v, want 1.0 for virustotal", fs.SourceReputation)
	}
	if fs.GeographicRisk != 0.85 {
		t.Errorf("geo = %v, want 0.85 for ru", fs.GeographicRisk)
	}
	if fs.BehavioralScore != 0.5 || fs.CorrelationCount != 0 {
		t.Errorf("relational signals = (%v, %v), want neutral without a graph", fs.BehavioralScore, fs.CorrelationCount)
	}
	if fs.ThreatActorScore != 0 {
		t.Errorf("actor = %v, want 0 with no matched terms", fs.ThreatActorScore)
	}
	if fs.NetworkEntropy <= 0 || fs.NetworkEntropy >= 1 {
		t.Errorf("entropy = %v, want a fraction for a dotted quad", fs.NetworkEntropy)
	}
}

func TestExtractDefaults(t *testing.T) {
	e := NewExtractor(nil)
	fs := e.Extract(Record{Indicator: "plain.example"})
	if fs.ConfidenceScore != defaultConfidence {
		t.Errorf("confidence = %v, want the default", fs.ConfidenceScore)
	}
	if fs.SeverityNumeric != 0.5 {
		t.Errorf("severity = %v, want the 0.5 midpoint", fs.SeverityNumeric)
	}
	if fs.TemporalScore != 0.5 {
		t.Errorf("temporal = %v, want 0.5 with no last-seen", fs.TemporalScore)
	}
	if fs.SourceReputation != 0.5 {
		t.Errorf("reputation = %v, want the unknown-source weight", fs.SourceReputation)
	}
	if fs.GeographicRisk != 0.3 {
		t.Errorf("geo = %v, want the 0.3 floor", fs.GeographicRisk)
	}
}

func TestExtractContextBoost(t *testing.T) {
	e := NewExtractor(nil)

	fs := e.Extract(Record{Indicator: "drop.example", Tags: []string{"LockBit"}})
	if math.Abs(fs.ThreatActorScore-2.5/3) > 1e-9 {
		t.Errorf("actor = %v, want 2.5/3 for one family match", fs.ThreatActorScore)
	}

	fs = e.Extract(Record{
		Indicator: "drop2.example",
		Tags:      []string{"lockbit", "apt28"},
		Metadata:  map[string]string{"note": "possible 0day delivery"},
	})
	if fs.ThreatActorScore != 1.0 {
		t.Errorf("actor = %v, want the cap with all groups matched", fs.ThreatActorScore)
	}

	fs = e.Extract(Record{Indicator: "drop3.example", Tags: []string{"ryuk", "conti"}})
	if math.Abs(fs.ThreatActorScore-2.5/3) > 1e-9 {
		t.Errorf("actor = %v, two hits in one group count once", fs.ThreatActorScore)
	}
}

func TestExtractFrequencyGrowth(t *testing.T) {
	e := NewExtractor(nil)
	rec := Record{Indicator: "noisy.example"}

	first := e.Extract(rec)
	var last FeatureSet
	for i := 0; i < 99; i++ {
		last = e.Extract(rec)
	}
	if last.IndicatorFrequency <= first.IndicatorFrequency {
		t.Errorf("frequency should grow with sightings: %v -> %v", first.IndicatorFrequency, last.IndicatorFrequency)
	}
	if math.Abs(last.IndicatorFrequency-0.1) > 0.01 {
		t.Errorf("frequency = %v, want about 100/1000", last.IndicatorFrequency)
	}
}

func TestExtractUsesBehaviorGraph(t *testing.T) {
	g := NewGraphBehaviorAnalyzer()
	ctx := context.Background()
	for _, ind := range []string{"hub.test", "spoke.test", "hub.test"} {
		if _, err := g.Analyze(ctx, Record{Indicator: ind, Source: "otx"}, FeatureSet{}); err != nil {
			t.Fatalf("analyze: %v", err)
		}
	}

	e := NewExtractor(g)
	fs := e.Extract(Record{Indicator: "hub.test"})
	if fs.CorrelationCount != 1 {
		t.Errorf("correlation = %v, want the hub's single neighbor", fs.CorrelationCount)
	}
	if fs.BehavioralScore <= 0.3 {
		t.Errorf("behavioral = %v, want the graph activity to lift the floor", fs.BehavioralScore)
	}
}

func TestExtractorStats(t *testing.T) {
	e := NewExtractor(nil)
	for _, ind := range []string{"one.example", "two.example", "three.example"} {
		e.Extract(Record{Indicator: ind})
	}
	stats := e.Stats()
	distinct, ok := stats["distinct_indicators"].(uint64)
	if !ok {
		t.Fatalf("distinct_indicators missing: %v", stats)
	}
	if distinct < 2 || distinct > 4 {
		t.Errorf("distinct = %d, want about 3", distinct)
	}
	if stats["sketch_depth"].(int) < 1 || stats["sketch_width"].(int) < 1 {
		t.Errorf("sketch dimensions missing: %v", stats)
	}
}
