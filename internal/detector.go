package internal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/detection-engine/libs/go/core/resilience"
)

// trainedModel pairs a forest with the baseline fitted on the same matrix.
// Swapped as a unit so readers never see mismatched halves.
type trainedModel struct {
	forest      *IsolationForest
	baseline    *StatisticalBaseline
	trainedAt   time.Time
	sampleCount int
}

// AnomalyDetector owns the model lifecycle: it buffers training samples,
// trains off the hot path, and serves lock-free reads of the active model.
type AnomalyDetector struct {
	cfg   DetectorConfig
	model atomic.Pointer[trainedModel]

	mu         sync.Mutex // guards buffer and sinceTrain
	buffer     []FeatureSet
	sinceTrain int

	trainMu sync.Mutex // serializes trainings; guards rng
	rng     *rand.Rand

	store   ModelStore
	journal *Journal

	detects   metric.Int64Counter
	anomalies metric.Int64Counter
	trainings metric.Int64Counter
	trainMs   metric.Float64Histogram
}

// NewAnomalyDetector wires a detector against an optional snapshot store and
// lifecycle journal. Zero cfg.Seed picks a time-based seed.
func NewAnomalyDetector(cfg DetectorConfig, store ModelStore, journal *Journal, meter metric.Meter) *AnomalyDetector {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &AnomalyDetector{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		store:   store,
		journal: journal,
	}
	d.detects, _ = meter.Int64Counter("swarm_detect_requests_total",
		metric.WithDescription("Feature vectors scored"))
	d.anomalies, _ = meter.Int64Counter("swarm_detect_anomalies_total",
		metric.WithDescription("Vectors flagged anomalous"))
	d.trainings, _ = meter.Int64Counter("swarm_model_trainings_total",
		metric.WithDescription("Model training runs completed"))
	d.trainMs, _ = meter.Float64Histogram("swarm_model_training_duration_ms",
		metric.WithDescription("Model training wall time"),
		metric.WithUnit("ms"))
	return d
}

// Initialize restores a persisted snapshot when one exists, otherwise trains
// on synthetic data. The detector is ready once this returns nil.
func (d *AnomalyDetector) Initialize(ctx context.Context) error {
	if d.store != nil {
		snap, err := d.store.Load(ctx)
		switch {
		case err != nil:
			slog.Warn("model snapshot load failed, cold-starting", "error", err)
			d.record("model_load_failed", err.Error())
		case snap != nil:
			m, err := restoreModel(snap)
			if err != nil {
				slog.Warn("model snapshot rejected, cold-starting", "error", err)
				d.record("model_load_failed", err.Error())
				break
			}
			d.model.Store(m)
			d.record("model_restored", fmt.Sprintf("samples=%d trained_at=%s",
				m.sampleCount, m.trainedAt.Format(time.RFC3339)))
			slog.Info("anomaly model restored from snapshot",
				"samples", m.sampleCount, "trained_at", m.trainedAt)
			return nil
		}
	}

	d.trainMu.Lock()
	samples := d.cfg.Synthetic.Generate(d.rng)
	d.trainMu.Unlock()

	d.mu.Lock()
	d.buffer = append(d.buffer, samples...)
	d.evictLocked()
	d.mu.Unlock()

	if err := d.TrainModel(ctx); err != nil {
		return fmt.Errorf("cold-start training: %w", err)
	}
	d.record("cold_start", fmt.Sprintf("synthetic_samples=%d", len(samples)))
	return nil
}

// IsReady reports whether a trained model is installed.
func (d *AnomalyDetector) IsReady() bool { return d.model.Load() != nil }

// Detect scores one feature set against the active model.
func (d *AnomalyDetector) Detect(ctx context.Context, features FeatureSet) (*AnomalyResult, error) {
	m := d.model.Load()
	if m == nil {
		return nil, ErrNotReady
	}
	v := features.Vector()
	if len(v) != m.baseline.FeatureCount() {
		return nil, fmt.Errorf("got %d features, model expects %d: %w",
			len(v), m.baseline.FeatureCount(), ErrInvalidFeatureVector)
	}
	scores, err := m.forest.Predict([][]float64{v})
	if err != nil {
		return nil, err
	}
	d.detects.Add(ctx, 1)
	res := d.scoreVector(m, v, scores[0])
	if res.IsAnomaly {
		d.anomalies.Add(ctx, 1)
	}
	return res, nil
}

// DetectBatch scores many feature sets in one forest pass. Results are
// index-aligned with the input and identical to per-item Detect calls.
func (d *AnomalyDetector) DetectBatch(ctx context.Context, batch []FeatureSet) ([]*AnomalyResult, error) {
	m := d.model.Load()
	if m == nil {
		return nil, ErrNotReady
	}
	if len(batch) == 0 {
		return []*AnomalyResult{}, nil
	}
	matrix := make([][]float64, len(batch))
	for i, fs := range batch {
		v := fs.Vector()
		if len(v) != m.baseline.FeatureCount() {
			return nil, fmt.Errorf("sample %d: got %d features, model expects %d: %w",
				i, len(v), m.baseline.FeatureCount(), ErrInvalidFeatureVector)
		}
		matrix[i] = v
	}
	scores, err := m.forest.Predict(matrix)
	if err != nil {
		return nil, err
	}
	d.detects.Add(ctx, int64(len(batch)))
	results := make([]*AnomalyResult, len(batch))
	for i, v := range matrix {
		results[i] = d.scoreVector(m, v, scores[i])
		if results[i].IsAnomaly {
			d.anomalies.Add(ctx, 1)
		}
	}
	return results, nil
}

func (d *AnomalyDetector) scoreVector(m *trainedModel, v []float64, iso float64) *AnomalyResult {
	stat := m.baseline.Score(v)
	combined := d.cfg.IsolationWeight*iso + d.cfg.StatisticalWeight*stat
	return &AnomalyResult{
		Score:            combined,
		IsAnomaly:        combined > d.cfg.AnomalyThreshold,
		IsolationScore:   iso,
		StatisticalScore: stat,
		Factors:          m.baseline.Factors(v),
		Deviation:        m.baseline.Deviation(v),
	}
}

// UpdateModel appends samples to the training buffer, evicting oldest first
// past capacity. A single batch larger than RetrainBatch triggers an
// immediate retrain; smaller batches wait for the scheduled check.
func (d *AnomalyDetector) UpdateModel(ctx context.Context, samples []FeatureSet) error {
	if len(samples) == 0 {
		return nil
	}
	d.mu.Lock()
	d.buffer = append(d.buffer, samples...)
	d.evictLocked()
	d.sinceTrain += len(samples)
	d.mu.Unlock()

	if len(samples) > d.cfg.RetrainBatch {
		return d.TrainModel(ctx)
	}
	return nil
}

func (d *AnomalyDetector) evictLocked() {
	if over := len(d.buffer) - d.cfg.BufferCap; over > 0 {
		trimmed := make([]FeatureSet, d.cfg.BufferCap)
		copy(trimmed, d.buffer[over:])
		d.buffer = trimmed
	}
}

// TrainModel fits a fresh forest and baseline on a snapshot of the buffer and
// atomically installs the pair. A rejected or failed training leaves the
// previous model serving.
func (d *AnomalyDetector) TrainModel(ctx context.Context) error {
	d.trainMu.Lock()
	defer d.trainMu.Unlock()

	d.mu.Lock()
	snapshot := make([]FeatureSet, len(d.buffer))
	copy(snapshot, d.buffer)
	d.mu.Unlock()

	if len(snapshot) < d.cfg.MinTrainSamples {
		d.record("train_rejected", fmt.Sprintf("samples=%d min=%d", len(snapshot), d.cfg.MinTrainSamples))
		return fmt.Errorf("%w: have %d samples, need %d",
			ErrInsufficientData, len(snapshot), d.cfg.MinTrainSamples)
	}

	start := time.Now()
	matrix := make([][]float64, len(snapshot))
	for i, fs := range snapshot {
		matrix[i] = fs.Vector()
	}

	forest := NewIsolationForest(d.cfg.NumTrees, d.cfg.SubsampleSize, d.rng.Int63())
	if err := forest.Fit(matrix); err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}
	baseline := fitBaseline(matrix)

	m := &trainedModel{
		forest:      forest,
		baseline:    baseline,
		trainedAt:   time.Now().UTC(),
		sampleCount: len(snapshot),
	}
	d.model.Store(m)

	d.mu.Lock()
	d.sinceTrain = 0
	d.mu.Unlock()

	elapsed := time.Since(start)
	d.trainings.Add(ctx, 1)
	d.trainMs.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	d.record("model_trained", fmt.Sprintf("samples=%d duration_ms=%d", len(snapshot), elapsed.Milliseconds()))
	slog.Info("anomaly model trained",
		"samples", len(snapshot),
		"trees", d.cfg.NumTrees,
		"duration_ms", elapsed.Milliseconds())

	if d.store != nil {
		if _, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, d.store.Save(ctx, snapshotModel(m))
		}); err != nil {
			slog.Warn("model snapshot save failed", "error", err)
			d.record("model_save_failed", err.Error())
		}
	}
	return nil
}

// SamplesSinceTraining reports buffered sample arrivals since the last train,
// which the scheduled retrain check compares against RetrainBatch.
func (d *AnomalyDetector) SamplesSinceTraining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sinceTrain
}

// BufferedSamples reports the current training buffer length.
func (d *AnomalyDetector) BufferedSamples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// RetrainThreshold exposes the configured retrain batch size.
func (d *AnomalyDetector) RetrainThreshold() int { return d.cfg.RetrainBatch }

// ModelAge reports time since the active model was trained, zero when none.
func (d *AnomalyDetector) ModelAge() time.Duration {
	m := d.model.Load()
	if m == nil {
		return 0
	}
	return time.Since(m.trainedAt)
}

// Info summarizes detector state for the status endpoint.
func (d *AnomalyDetector) Info() ModelInfo {
	info := ModelInfo{
		Threshold:       d.cfg.AnomalyThreshold,
		NumTrees:        d.cfg.NumTrees,
		SubsampleSize:   d.cfg.SubsampleSize,
		BufferedSamples: d.BufferedSamples(),
	}
	if m := d.model.Load(); m != nil {
		info.Ready = true
		info.LastTraining = m.trainedAt
		info.TrainingSampleCount = m.sampleCount
	}
	return info
}

func (d *AnomalyDetector) record(event, detail string) {
	if d.journal != nil {
		d.journal.Record(event, detail)
	}
}

// restoreModel rebuilds the in-memory model from a snapshot, rejecting
// snapshots with missing trees or misaligned baseline arrays.
func restoreModel(snap *ModelSnapshot) (*trainedModel, error) {
	if len(snap.Trees) == 0 {
		return nil, fmt.Errorf("model snapshot: no trees")
	}
	if snap.Baseline == nil {
		return nil, fmt.Errorf("model snapshot: missing baseline")
	}
	if err := snap.Baseline.validate(); err != nil {
		return nil, fmt.Errorf("model snapshot: %w", err)
	}
	subsample := snap.SubsampleSize
	if subsample <= 1 {
		subsample = 256
	}
	forest := &IsolationForest{
		numTrees:      len(snap.Trees),
		subsampleSize: subsample,
		maxDepth:      int(math.Ceil(math.Log2(float64(subsample)))),
		trees:         snap.Trees,
		effective:     snap.EffectiveSubsample,
	}
	return &trainedModel{
		forest:      forest,
		baseline:    snap.Baseline,
		trainedAt:   snap.TrainedAt,
		sampleCount: snap.SampleCount,
	}, nil
}

// snapshotModel flattens the active model for persistence.
func snapshotModel(m *trainedModel) *ModelSnapshot {
	return &ModelSnapshot{
		TrainedAt:          m.trainedAt,
		SampleCount:        m.sampleCount,
		NumTrees:           m.forest.numTrees,
		SubsampleSize:      m.forest.subsampleSize,
		EffectiveSubsample: m.forest.effective,
		Trees:              m.forest.trees,
		Baseline:           m.baseline,
	}
}
