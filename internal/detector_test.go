package internal

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestDetector(cfg DetectorConfig, store ModelStore) *AnomalyDetector {
	mp := noopmetric.MeterProvider{}
	return NewAnomalyDetector(cfg, store, NewJournal(64), mp.Meter("test"))
}

// normalSamples draws n feature sets from the normal synthetic profile.
func normalSamples(seed int64, n int) []FeatureSet {
	rng := rand.New(rand.NewSource(seed))
	ranges := DefaultSyntheticProfile().Normal
	samples := make([]FeatureSet, n)
	for i := range samples {
		samples[i] = drawSample(rng, ranges)
	}
	return samples
}

type stubModelStore struct {
	mu      sync.Mutex
	snap    *ModelSnapshot
	loadErr error
	saved   []*ModelSnapshot
}

func (s *stubModelStore) Load(context.Context) (*ModelSnapshot, error) {
	return s.snap, s.loadErr
}

func (s *stubModelStore) Save(_ context.Context, snap *ModelSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return nil
}

func TestTrainRejectsBelowMinimum(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 1
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(1, 9)); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := d.TrainModel(context.Background())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if d.IsReady() {
		t.Fatal("detector should not be ready after a rejected training")
	}
}

func TestTrainAtMinimum(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 2
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(2, 10)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := d.TrainModel(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	info := d.Info()
	if !info.Ready || info.TrainingSampleCount != 10 {
		t.Errorf("info = %+v, want ready with 10 samples", info)
	}
	if info.LastTraining.IsZero() {
		t.Error("last training timestamp missing")
	}
}

func TestDetectBeforeTraining(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig(), nil)
	if _, err := d.Detect(context.Background(), FeatureSet{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := d.DetectBatch(context.Background(), []FeatureSet{{}}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("batch: expected ErrNotReady, got %v", err)
	}
}

func TestColdStartInitialize(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 3
	d := newTestDetector(cfg, nil)
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !d.IsReady() {
		t.Fatal("cold start should leave the detector ready")
	}
	want := cfg.Synthetic.NormalCount + cfg.Synthetic.AnomalousCount
	if got := d.Info().TrainingSampleCount; got != want {
		t.Errorf("trained on %d samples, want %d", got, want)
	}
}

func TestDetectMatchesBatch(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 4
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(4, 300)); err != nil {
		t.Fatalf("train: %v", err)
	}

	probes := normalSamples(40, 6)
	batch, err := d.DetectBatch(context.Background(), probes)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(batch) != len(probes) {
		t.Fatalf("got %d results, want %d", len(batch), len(probes))
	}
	for i, fs := range probes {
		single, derr := d.Detect(context.Background(), fs)
		if derr != nil {
			t.Fatalf("detect %d: %v", i, derr)
		}
		if single.Score != batch[i].Score ||
			single.IsolationScore != batch[i].IsolationScore ||
			single.StatisticalScore != batch[i].StatisticalScore ||
			single.IsAnomaly != batch[i].IsAnomaly {
			t.Fatalf("probe %d diverged: single=%+v batch=%+v", i, single, batch[i])
		}
	}
}

func TestDetectBatchEmpty(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 5
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(5, 200)); err != nil {
		t.Fatalf("train: %v", err)
	}
	out, err := d.DetectBatch(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("empty batch: out=%v err=%v", out, err)
	}
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 6
	cfg.BufferCap = 20
	d := newTestDetector(cfg, nil)

	samples := normalSamples(6, 30)
	if err := d.UpdateModel(context.Background(), samples); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := d.BufferedSamples(); got != 20 {
		t.Fatalf("buffered = %d, want 20", got)
	}
	d.mu.Lock()
	head := d.buffer[0]
	d.mu.Unlock()
	if head != samples[10] {
		t.Errorf("expected the oldest 10 samples evicted, head = %+v", head)
	}
}

func TestLargeBatchTriggersRetrain(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 7
	cfg.RetrainBatch = 20
	d := newTestDetector(cfg, nil)
	ctx := context.Background()

	if err := d.UpdateModel(ctx, normalSamples(7, 20)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.IsReady() {
		t.Fatal("batch equal to the threshold should not retrain")
	}
	if got := d.SamplesSinceTraining(); got != 20 {
		t.Errorf("since training = %d, want 20", got)
	}

	if err := d.UpdateModel(ctx, normalSamples(8, 21)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !d.IsReady() {
		t.Fatal("oversized batch should retrain inline")
	}
	if got := d.Info().TrainingSampleCount; got != 41 {
		t.Errorf("trained on %d samples, want the whole buffer of 41", got)
	}
	if got := d.SamplesSinceTraining(); got != 0 {
		t.Errorf("since training = %d, want 0 after retrain", got)
	}
}

func TestInitializeRestoresSnapshot(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 9
	cfg.Synthetic.NormalCount = 200
	cfg.Synthetic.AnomalousCount = 10

	first := &stubModelStore{}
	a := newTestDetector(cfg, first)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(first.saved) == 0 {
		t.Fatal("cold start should persist a snapshot")
	}

	second := &stubModelStore{snap: first.saved[len(first.saved)-1]}
	b := newTestDetector(cfg, second)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := b.Info().TrainingSampleCount; got != 210 {
		t.Errorf("restored sample count = %d, want 210", got)
	}
	if len(second.saved) != 0 {
		t.Error("a restore should not retrain or save")
	}

	probe := normalSamples(10, 1)[0]
	ra, err := a.Detect(context.Background(), probe)
	if err != nil {
		t.Fatalf("detect a: %v", err)
	}
	rb, err := b.Detect(context.Background(), probe)
	if err != nil {
		t.Fatalf("detect b: %v", err)
	}
	if ra.Score != rb.Score {
		t.Errorf("restored model diverged: %v vs %v", ra.Score, rb.Score)
	}
}

func TestInitializeRejectsBadSnapshot(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 11
	cfg.Synthetic.NormalCount = 100
	cfg.Synthetic.AnomalousCount = 5

	store := &stubModelStore{snap: &ModelSnapshot{Trees: []*treeNode{{Size: 4}}}}
	j := NewJournal(32)
	mp := noopmetric.MeterProvider{}
	d := NewAnomalyDetector(cfg, store, j, mp.Meter("test"))
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !d.IsReady() {
		t.Fatal("cold start fallback should leave the detector ready")
	}
	found := false
	for _, e := range j.Entries(0) {
		if e.Event == "model_load_failed" {
			found = true
		}
	}
	if !found {
		t.Error("journal should record the rejected snapshot")
	}
}

func TestDetectRejectsMismatchedModelWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	rows := make([][]float64, 12)
	for i := range rows {
		rows[i] = make([]float64, 9)
		for j := range rows[i] {
			rows[i][j] = rng.Float64()
		}
	}
	forest := NewIsolationForest(10, 8, 12)
	if err := forest.Fit(rows); err != nil {
		t.Fatalf("fit: %v", err)
	}
	snap := &ModelSnapshot{
		TrainedAt:          time.Now().UTC(),
		SampleCount:        len(rows),
		NumTrees:           10,
		SubsampleSize:      8,
		EffectiveSubsample: forest.effective,
		Trees:              forest.trees,
		Baseline:           fitBaseline(rows),
	}
	d := newTestDetector(DefaultDetectorConfig(), &stubModelStore{snap: snap})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := d.Detect(context.Background(), FeatureSet{}); !errors.Is(err, ErrInvalidFeatureVector) {
		t.Fatalf("expected ErrInvalidFeatureVector, got %v", err)
	}
	if _, err := d.DetectBatch(context.Background(), []FeatureSet{{}}); !errors.Is(err, ErrInvalidFeatureVector) {
		t.Fatalf("batch: expected ErrInvalidFeatureVector, got %v", err)
	}
}

func TestAnomalousVectorFlagged(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 13
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(13, 1000)); err != nil {
		t.Fatalf("train: %v", err)
	}

	hostile := FeatureSet{
		ConfidenceScore:    10,
		SeverityNumeric:    0.95,
		TemporalScore:      0.02,
		SourceReputation:   0.1,
		IndicatorFrequency: 0.9,
		GeographicRisk:     0.9,
		NetworkEntropy:     0.95,
		BehavioralScore:    0.9,
		CorrelationCount:   25,
		ThreatActorScore:   0.9,
	}
	res, err := d.Detect(context.Background(), hostile)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatalf("hostile vector not flagged: %+v", res)
	}
	if res.Score <= cfg.AnomalyThreshold {
		t.Errorf("score %v should exceed threshold %v", res.Score, cfg.AnomalyThreshold)
	}
	if len(res.Factors) == 0 {
		t.Fatal("expected explanatory factors")
	}
	if res.Factors[0].Feature != "correlation_count" {
		t.Errorf("dominant factor = %s, want correlation_count", res.Factors[0].Feature)
	}
	if res.Factors[0].Direction != "above" {
		t.Errorf("direction = %s, want above", res.Factors[0].Direction)
	}
	if res.Deviation.MaxAbsZ < zFactorGate {
		t.Errorf("max |z| = %v, want above the factor gate", res.Deviation.MaxAbsZ)
	}

	calm, err := d.Detect(context.Background(), normalSamples(14, 1)[0])
	if err != nil {
		t.Fatalf("detect calm: %v", err)
	}
	if calm.IsAnomaly {
		t.Errorf("normal vector flagged: %+v", calm)
	}
	if calm.Score >= res.Score {
		t.Errorf("normal score %v should sit below hostile score %v", calm.Score, res.Score)
	}
}

func TestConcurrentDetectAndTrain(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 15
	cfg.NumTrees = 20
	d := newTestDetector(cfg, nil)
	ctx := context.Background()
	if err := d.UpdateModel(ctx, normalSamples(15, 200)); err != nil {
		t.Fatalf("train: %v", err)
	}

	done := make(chan bool)
	probe := normalSamples(16, 1)[0]
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				if _, err := d.Detect(ctx, probe); err != nil {
					t.Errorf("detect: %v", err)
				}
			}
			done <- true
		}()
	}
	go func() {
		for j := 0; j < 3; j++ {
			_ = d.TrainModel(ctx)
		}
		done <- true
	}()
	for i := 0; i < 9; i++ {
		<-done
	}
}

func BenchmarkDetect(b *testing.B) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 20
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(20, 1000)); err != nil {
		b.Fatalf("train: %v", err)
	}
	probe := normalSamples(21, 1)[0]
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = d.Detect(ctx, probe)
	}
}

func BenchmarkDetectBatch(b *testing.B) {
	cfg := DefaultDetectorConfig()
	cfg.Seed = 22
	d := newTestDetector(cfg, nil)
	if err := d.UpdateModel(context.Background(), normalSamples(22, 1000)); err != nil {
		b.Fatalf("train: %v", err)
	}
	batch := normalSamples(23, 64)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = d.DetectBatch(ctx, batch)
	}
}
