package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

type stubClassifier struct {
	cls   Classification
	err   error
	calls int
}

func (s *stubClassifier) Classify(context.Context, FeatureSet) (Classification, error) {
	s.calls++
	return s.cls, s.err
}

type stubBehavior struct {
	rep   BehaviorReport
	err   error
	calls int
}

func (s *stubBehavior) Analyze(context.Context, Record, FeatureSet) (BehaviorReport, error) {
	s.calls++
	return s.rep, s.err
}

func newTrainedDetector(t *testing.T, seed int64) *AnomalyDetector {
	t.Helper()
	cfg := DefaultDetectorConfig()
	cfg.Seed = seed
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(seed, 400)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if !d.IsReady() {
		t.Fatal("detector not ready after training batch")
	}
	return d
}

func newTestEngine(cfg EngineConfig, det *AnomalyDetector, cls ThreatClassifier, beh BehavioralAnalyzer, j *Journal) *AnalysisEngine {
	mp := noopmetric.MeterProvider{}
	return NewAnalysisEngine(cfg, det, cls, beh, j, mp.Meter("test"))
}

// midNormalFeatures sits at the center of the normal synthetic ranges, so a
// trained detector never flags it.
func midNormalFeatures() FeatureSet {
	return FeatureSet{
		ConfidenceScore:    67.5,
		SeverityNumeric:    0.45,
		TemporalScore:      0.6,
		SourceReputation:   0.75,
		IndicatorFrequency: 0.2,
		GeographicRisk:     0.35,
		NetworkEntropy:     0.45,
		BehavioralScore:    0.4,
		CorrelationCount:   2.5,
		ThreatActorScore:   0.2,
	}
}

func TestPerformAnalysisFusesVerdicts(t *testing.T) {
	det := newTrainedDetector(t, 31)
	cls := &stubClassifier{cls: Classification{Type: "malware", Confidence: 88}}
	beh := &stubBehavior{rep: BehaviorReport{Pattern: "baseline", Deviation: 0.5}}
	e := newTestEngine(DefaultEngineConfig(), det, cls, beh, NewJournal(16))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.nowFn = func() time.Time { return now }

	rec := Record{
		ID:         "rec-1",
		Indicator:  "198.51.100.7",
		Severity:   "critical",
		Confidence: 90,
		LastSeen:   now.Add(-10 * time.Minute),
	}
	analysis, err := e.PerformAnalysis(context.Background(), rec, midNormalFeatures())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if analysis.ID == "" || analysis.RecordID != "rec-1" || analysis.Indicator != "198.51.100.7" {
		t.Errorf("identity fields wrong: %+v", analysis)
	}
	if !analysis.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", analysis.Timestamp, now)
	}
	if analysis.Anomaly == nil || analysis.Anomaly.IsAnomaly {
		t.Fatalf("mid-range probe should not be anomalous: %+v", analysis.Anomaly)
	}

	// critical severity, confidence 90, fresh sighting, default anomaly
	// factor and deviation 0.5 weigh out to exactly 74.
	if analysis.Risk.Score != 74 {
		t.Errorf("risk score = %d, want 74", analysis.Risk.Score)
	}
	if analysis.Risk.Level != "high" {
		t.Errorf("risk level = %s, want high", analysis.Risk.Level)
	}
	if analysis.Risk.MitigationPriority != 9 {
		t.Errorf("priority = %d, want 9 with the malware multiplier", analysis.Risk.MitigationPriority)
	}
	if len(analysis.Risk.Factors) != 6 {
		t.Errorf("got %d risk factors, want 6", len(analysis.Risk.Factors))
	}
	if got := analysis.Risk.Factors["temporal"]; got != 1.0 {
		t.Errorf("temporal factor = %v, want 1.0 for a 10m old sighting", got)
	}

	if analysis.Classification.Type != "malware" || analysis.Classification.Confidence != 88 {
		t.Errorf("classification not passed through: %+v", analysis.Classification)
	}
	if analysis.Behavior.Pattern != "baseline" {
		t.Errorf("behavior not passed through: %+v", analysis.Behavior)
	}
	if len(analysis.Degraded) != 0 {
		t.Errorf("unexpected degradation: %v", analysis.Degraded)
	}

	if analysis.CompositeScore < 55 || analysis.CompositeScore > 80 {
		t.Errorf("composite = %d, want mid-range", analysis.CompositeScore)
	}
	if analysis.ConfidenceLevel < 75 {
		t.Errorf("confidence level = %d, want broadly agreeing components", analysis.ConfidenceLevel)
	}

	want := []string{"antivirus_scan", "update_threat_intelligence"}
	if len(analysis.Recommendations) != len(want) {
		t.Fatalf("got %d recommendations, want %d: %+v", len(analysis.Recommendations), len(want), analysis.Recommendations)
	}
	for i, action := range want {
		if analysis.Recommendations[i].Action != action {
			t.Errorf("recommendation %d = %s, want %s", i, analysis.Recommendations[i].Action, action)
		}
	}
}

func TestPerformAnalysisDegradesOnFailure(t *testing.T) {
	det := newTrainedDetector(t, 33)
	cls := &stubClassifier{err: errors.New("classifier down")}
	beh := &stubBehavior{err: errors.New("graph down")}
	cfg := DefaultEngineConfig()
	e := newTestEngine(cfg, det, cls, beh, NewJournal(16))

	analysis, err := e.PerformAnalysis(context.Background(), Record{Indicator: "deg.example"}, midNormalFeatures())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Degraded) != 2 {
		t.Fatalf("degraded = %v, want both collaborators", analysis.Degraded)
	}
	if analysis.Classification.Type != "unknown" || analysis.Classification.Confidence != defaultConfidence {
		t.Errorf("classification default wrong: %+v", analysis.Classification)
	}
	if analysis.Behavior.Pattern != "unknown" || analysis.Behavior.Deviation != cfg.BehavioralDefault {
		t.Errorf("behavior default wrong: %+v", analysis.Behavior)
	}
}

func TestPerformAnalysisShedsAfterRepeatedFailures(t *testing.T) {
	det := newTrainedDetector(t, 34)
	cls := &stubClassifier{err: errors.New("classifier down")}
	beh := &stubBehavior{err: errors.New("graph down")}
	e := newTestEngine(DefaultEngineConfig(), det, cls, beh, NewJournal(32))

	for i := 0; i < 5; i++ {
		analysis, err := e.PerformAnalysis(context.Background(), Record{Indicator: "shed.example"}, midNormalFeatures())
		if err != nil {
			t.Fatalf("analyze %d: %v", i, err)
		}
		if len(analysis.Degraded) != 2 {
			t.Fatalf("analyze %d degraded = %v, want both collaborators", i, analysis.Degraded)
		}
	}
	if cls.calls != 5 || beh.calls != 5 {
		t.Fatalf("collaborator calls = %d/%d, want 5/5 before trip", cls.calls, beh.calls)
	}

	analysis, err := e.PerformAnalysis(context.Background(), Record{Indicator: "shed.example"}, midNormalFeatures())
	if err != nil {
		t.Fatalf("analyze after trip: %v", err)
	}
	if cls.calls != 5 || beh.calls != 5 {
		t.Errorf("collaborator calls = %d/%d after trip, want breakers to shed", cls.calls, beh.calls)
	}
	if len(analysis.Degraded) != 2 {
		t.Errorf("degraded = %v, want both collaborators reported while shedding", analysis.Degraded)
	}
	if analysis.Classification.Type != "unknown" || analysis.Behavior.Pattern != "unknown" {
		t.Errorf("shed analysis should carry defaults, got %+v / %+v", analysis.Classification, analysis.Behavior)
	}
}

func TestPerformAnalysisNilCollaborators(t *testing.T) {
	det := newTrainedDetector(t, 35)
	e := newTestEngine(DefaultEngineConfig(), det, nil, nil, nil)

	analysis, err := e.PerformAnalysis(context.Background(), Record{Indicator: "solo.example"}, midNormalFeatures())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Degraded) != 0 {
		t.Errorf("absent collaborators are not degradation: %v", analysis.Degraded)
	}
	if analysis.Classification.Type != "unknown" {
		t.Errorf("classification = %+v, want unknown default", analysis.Classification)
	}
	if analysis.Behavior.Pattern != "unknown" {
		t.Errorf("behavior = %+v, want unknown default", analysis.Behavior)
	}
}

func TestPerformAnalysisDetectorErrorSurfaces(t *testing.T) {
	det := newTestDetector(DefaultDetectorConfig(), nil)
	e := newTestEngine(DefaultEngineConfig(), det, nil, nil, nil)

	_, err := e.PerformAnalysis(context.Background(), Record{Indicator: "cold.example"}, midNormalFeatures())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestQueueDrainBelowBatchSize(t *testing.T) {
	det := newTrainedDetector(t, 37)
	cfg := DefaultEngineConfig()
	cfg.BatchSize = 4
	e := newTestEngine(cfg, det, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Enqueue(ctx, Record{Indicator: "q.example"}, midNormalFeatures())
	}
	out, err := e.DrainBatch(ctx)
	if out != nil || err != nil {
		t.Fatalf("undersized drain: out=%v err=%v", out, err)
	}
	if got := e.QueueDepth(); got != 3 {
		t.Fatalf("depth = %d, want 3 after a no-op drain", got)
	}

	e.Enqueue(ctx, Record{Indicator: "q-last"}, midNormalFeatures())
	out, err = e.DrainBatch(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("drained %d, want 4", len(out))
	}
	if out[3].Record.Indicator != "q-last" || out[3].Result == nil {
		t.Errorf("results misaligned with records: %+v", out[3])
	}
	if got := e.QueueDepth(); got != 0 {
		t.Errorf("depth = %d, want 0 after drain", got)
	}
}

func TestEnqueueEvictsAtCapacity(t *testing.T) {
	det := newTrainedDetector(t, 39)
	cfg := DefaultEngineConfig()
	cfg.QueueCap = 5
	e := newTestEngine(cfg, det, nil, nil, nil)
	ctx := context.Background()

	depth := 0
	for i := 0; i < 8; i++ {
		depth = e.Enqueue(ctx, Record{Indicator: string(rune('a' + i))}, midNormalFeatures())
	}
	if depth != 5 {
		t.Fatalf("depth = %d, want capacity 5", depth)
	}
	e.qmu.Lock()
	head := e.queue[0].rec.Indicator
	e.qmu.Unlock()
	if head != "d" {
		t.Errorf("head = %s, want d after evicting the oldest three", head)
	}
}

func TestDrainFailureDropsBatch(t *testing.T) {
	det := newTestDetector(DefaultDetectorConfig(), nil)
	cfg := DefaultEngineConfig()
	cfg.BatchSize = 2
	e := newTestEngine(cfg, det, nil, nil, nil)
	ctx := context.Background()

	e.Enqueue(ctx, Record{Indicator: "x.example"}, midNormalFeatures())
	e.Enqueue(ctx, Record{Indicator: "y.example"}, midNormalFeatures())

	_, err := e.DrainBatch(ctx)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if got := e.QueueDepth(); got != 0 {
		t.Errorf("depth = %d, failed batches are dropped not requeued", got)
	}
}

func TestUpdateWeightsSwapsLive(t *testing.T) {
	det := newTrainedDetector(t, 41)
	j := NewJournal(16)
	e := newTestEngine(DefaultEngineConfig(), det, nil, nil, j)

	w := e.Config().Weights
	w.RiskSeverity = 0.40
	w.RiskConfidence = 0.05
	e.UpdateWeights(w)

	got := e.Config()
	if got.Weights.RiskSeverity != 0.40 || got.Weights.RiskConfidence != 0.05 {
		t.Errorf("weights not swapped: %+v", got.Weights)
	}
	if got.SeverityScores["critical"] != 1.0 {
		t.Errorf("score tables must survive a weight swap: %+v", got.SeverityScores)
	}
	found := false
	for _, entry := range j.Entries(0) {
		if entry.Event == "weights_updated" {
			found = true
		}
	}
	if !found {
		t.Error("journal should record the weight update")
	}
}
