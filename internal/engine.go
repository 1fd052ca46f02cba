package internal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/detection-engine/libs/go/core/otelinit"
	"github.com/swarmguard/detection-engine/libs/go/core/resilience"
)

type queuedDetection struct {
	rec      Record
	features FeatureSet
}

// BatchResult pairs a queued record with its verdict after a drain.
type BatchResult struct {
	Record Record         `json:"record"`
	Result *AnomalyResult `json:"result"`
}

// AnalysisEngine fuses detector, classifier and behavioral verdicts into one
// ThreatAnalysis. Classifier and behavioral calls run behind circuit
// breakers; when either fails or is shed, documented defaults stand in and
// the analysis is marked degraded. Detector errors are never defaulted.
type AnalysisEngine struct {
	cfg        atomic.Pointer[EngineConfig]
	detector   *AnomalyDetector
	classifier ThreatClassifier
	behavior   BehavioralAnalyzer
	journal    *Journal

	clsBreaker *resilience.CircuitBreaker
	behBreaker *resilience.CircuitBreaker

	qmu   sync.Mutex
	queue []queuedDetection

	nowFn func() time.Time

	analyses   metric.Int64Counter
	degraded   metric.Int64Counter
	drains     metric.Int64Counter
	drainItems metric.Int64Counter
	queueDrops metric.Int64Counter
}

func NewAnalysisEngine(cfg EngineConfig, det *AnomalyDetector, cls ThreatClassifier, beh BehavioralAnalyzer, journal *Journal, meter metric.Meter) *AnalysisEngine {
	e := &AnalysisEngine{
		detector:   det,
		classifier: cls,
		behavior:   beh,
		journal:    journal,
		clsBreaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 10, 5, 0.5, 10*time.Second, 2),
		behBreaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 10, 5, 0.5, 10*time.Second, 2),
		nowFn:      time.Now,
	}
	e.cfg.Store(&cfg)

	e.analyses, _ = meter.Int64Counter("swarm_analysis_total",
		metric.WithDescription("Completed analyses"))
	e.degraded, _ = meter.Int64Counter("swarm_analysis_degraded_total",
		metric.WithDescription("Collaborator fallbacks to defaults"))
	e.drains, _ = meter.Int64Counter("swarm_detect_batch_drains_total",
		metric.WithDescription("Batch queue drains"))
	e.drainItems, _ = meter.Int64Counter("swarm_detect_batch_items_total",
		metric.WithDescription("Records scored through batch drains"))
	e.queueDrops, _ = meter.Int64Counter("swarm_detect_batch_dropped_total",
		metric.WithDescription("Queued records evicted at capacity"))
	return e
}

// PerformAnalysis runs the full pipeline for one record. The detector verdict
// is load-bearing: its errors surface to the caller untouched.
func (e *AnalysisEngine) PerformAnalysis(ctx context.Context, rec Record, features FeatureSet) (*ThreatAnalysis, error) {
	ctx, end := otelinit.WithSpan(ctx, "engine.analyze")
	defer end()

	cfg := *e.cfg.Load()

	anomaly, err := e.detector.Detect(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	var degradedParts []string

	cls := Classification{Type: "unknown", Confidence: defaultConfidence}
	if e.classifier != nil {
		if e.clsBreaker.Allow() {
			got, cerr := e.classifier.Classify(ctx, features)
			e.clsBreaker.RecordResult(cerr == nil)
			if cerr != nil {
				slog.Warn("classifier failed, using defaults", "error", cerr)
				degradedParts = append(degradedParts, "classification")
			} else {
				cls = got
			}
		} else {
			degradedParts = append(degradedParts, "classification")
		}
	}

	beh := BehaviorReport{Pattern: "unknown", Deviation: cfg.BehavioralDefault}
	if e.behavior != nil {
		if e.behBreaker.Allow() {
			got, berr := e.behavior.Analyze(ctx, rec, features)
			e.behBreaker.RecordResult(berr == nil)
			if berr != nil {
				slog.Warn("behavioral analyzer failed, using defaults", "error", berr)
				degradedParts = append(degradedParts, "behavioral")
			} else {
				beh = got
			}
		} else {
			degradedParts = append(degradedParts, "behavioral")
		}
	}

	if len(degradedParts) > 0 {
		e.degraded.Add(ctx, int64(len(degradedParts)))
		if e.journal != nil {
			e.journal.Record("degraded", strings.Join(degradedParts, ","))
		}
	}

	now := e.nowFn().UTC()
	risk := assessRisk(cfg, now, rec, anomaly, cls, beh)
	composite, confLevel := compositeScore(cfg, risk.Score, anomaly.Score, cls.Confidence, beh.Deviation)

	analysis := &ThreatAnalysis{
		ID:              uuid.New().String(),
		RecordID:        rec.ID,
		Indicator:       rec.Indicator,
		Timestamp:       now,
		Risk:            risk,
		Anomaly:         anomaly,
		Classification:  cls,
		Behavior:        beh,
		CompositeScore:  composite,
		ConfidenceLevel: confLevel,
		Recommendations: buildRecommendations(risk, anomaly, effectiveThreatType(rec, cls)),
		Degraded:        degradedParts,
	}
	e.analyses.Add(ctx, 1, metric.WithAttributes(attribute.String("risk_level", risk.Level)))
	return analysis, nil
}

// Enqueue buffers a record for the next scheduled drain and reports queue
// depth. Past capacity the oldest entries fall off.
func (e *AnalysisEngine) Enqueue(ctx context.Context, rec Record, features FeatureSet) int {
	cfg := e.cfg.Load()
	e.qmu.Lock()
	e.queue = append(e.queue, queuedDetection{rec: rec, features: features})
	dropped := 0
	if over := len(e.queue) - cfg.QueueCap; over > 0 {
		trimmed := make([]queuedDetection, cfg.QueueCap)
		copy(trimmed, e.queue[over:])
		e.queue = trimmed
		dropped = over
	}
	depth := len(e.queue)
	e.qmu.Unlock()

	if dropped > 0 {
		e.queueDrops.Add(ctx, int64(dropped))
	}
	return depth
}

// DrainBatch scores the queued snapshot in one detector pass when the queue
// has reached batch size. A failed batch is dropped, not retried.
func (e *AnalysisEngine) DrainBatch(ctx context.Context) ([]BatchResult, error) {
	cfg := *e.cfg.Load()

	e.qmu.Lock()
	if len(e.queue) < cfg.BatchSize {
		e.qmu.Unlock()
		return nil, nil
	}
	pending := e.queue
	e.queue = nil
	e.qmu.Unlock()

	features := make([]FeatureSet, len(pending))
	for i, q := range pending {
		features[i] = q.features
	}
	results, err := e.detector.DetectBatch(ctx, features)
	if err != nil {
		slog.Warn("batch drain failed, dropping batch", "size", len(pending), "error", err)
		return nil, fmt.Errorf("drain batch of %d: %w", len(pending), err)
	}

	out := make([]BatchResult, len(pending))
	for i := range pending {
		out[i] = BatchResult{Record: pending[i].rec, Result: results[i]}
	}
	e.drains.Add(ctx, 1)
	e.drainItems.Add(ctx, int64(len(out)))
	return out, nil
}

// QueueDepth reports how many records await the next drain.
func (e *AnalysisEngine) QueueDepth() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue)
}

// UpdateWeights swaps the fusion weights without touching the score tables.
func (e *AnalysisEngine) UpdateWeights(w EngineWeights) {
	cur := *e.cfg.Load()
	cur.Weights = w
	e.cfg.Store(&cur)
	if e.journal != nil {
		e.journal.Record("weights_updated", fmt.Sprintf("risk_severity=%.2f composite_risk=%.2f", w.RiskSeverity, w.CompositeRisk))
	}
	slog.Info("engine weights updated")
}

// Config returns the active engine configuration snapshot.
func (e *AnalysisEngine) Config() EngineConfig { return *e.cfg.Load() }
