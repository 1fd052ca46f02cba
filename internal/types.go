package internal

import (
	"context"
	"fmt"
	"time"
)

// Canonical feature order. Every vector produced or consumed by the detector
// follows this index mapping; reordering breaks trained models.
var featureNames = []string{
	"confidence_score",
	"severity_numeric",
	"temporal_score",
	"source_reputation",
	"indicator_frequency",
	"geographic_risk",
	"network_entropy",
	"behavioral_score",
	"correlation_count",
	"threat_actor_score",
}

// NumFeatures is the fixed width of a feature vector.
const NumFeatures = 10

func featureName(i int) string {
	if i < len(featureNames) {
		return featureNames[i]
	}
	return fmt.Sprintf("feature_%d", i)
}

// FeatureSet is the named pre-vectorization form of a record's risk features.
type FeatureSet struct {
	ConfidenceScore    float64 `json:"confidence_score"`
	SeverityNumeric    float64 `json:"severity_numeric"`
	TemporalScore      float64 `json:"temporal_score"`
	SourceReputation   float64 `json:"source_reputation"`
	IndicatorFrequency float64 `json:"indicator_frequency"`
	GeographicRisk     float64 `json:"geographic_risk"`
	NetworkEntropy     float64 `json:"network_entropy"`
	BehavioralScore    float64 `json:"behavioral_score"`
	CorrelationCount   float64 `json:"correlation_count"`
	ThreatActorScore   float64 `json:"threat_actor_score"`
}

// Vector flattens the set into canonical order.
func (f FeatureSet) Vector() []float64 {
	return []float64{
		f.ConfidenceScore,
		f.SeverityNumeric,
		f.TemporalScore,
		f.SourceReputation,
		f.IndicatorFrequency,
		f.GeographicRisk,
		f.NetworkEntropy,
		f.BehavioralScore,
		f.CorrelationCount,
		f.ThreatActorScore,
	}
}

// Record is a normalized incoming event (indicator sighting, alert, report).
type Record struct {
	ID         string            `json:"id,omitempty"`
	Indicator  string            `json:"indicator"`
	Type       string            `json:"type,omitempty"` // ip|domain|hash|url|technique
	Source     string            `json:"source,omitempty"`
	Severity   string            `json:"severity,omitempty"` // critical|high|medium|low|info
	ThreatType string            `json:"threat_type,omitempty"`
	Confidence float64           `json:"confidence,omitempty"` // 0-100
	Country    string            `json:"country,omitempty"`
	FirstSeen  time.Time         `json:"first_seen,omitempty"`
	LastSeen   time.Time         `json:"last_seen,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AnomalyFactor explains one feature's contribution to an anomaly verdict.
type AnomalyFactor struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	BaselineMean float64 `json:"baseline_mean"`
	ZScore       float64 `json:"z_score"`
	Direction    string  `json:"direction"` // above|below
}

// DeviationSummary aggregates per-feature deviation from the baseline.
type DeviationSummary struct {
	MeanAbsZ float64 `json:"mean_abs_z"`
	MaxAbsZ  float64 `json:"max_abs_z"`
}

// AnomalyResult is the per-call detector output. Not persisted by the core.
type AnomalyResult struct {
	Score            float64          `json:"score"` // combined, 0-1
	IsAnomaly        bool             `json:"is_anomaly"`
	IsolationScore   float64          `json:"isolation_score"`
	StatisticalScore float64          `json:"statistical_score"`
	Factors          []AnomalyFactor  `json:"factors,omitempty"`
	Deviation        DeviationSummary `json:"deviation"`
}

// Classification is the external classifier's verdict on a feature set.
type Classification struct {
	Type          string             `json:"type"`
	Confidence    float64            `json:"confidence"` // 0-100
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	AttackVectors []string           `json:"attack_vectors,omitempty"`
}

// BehaviorReport is the external behavioral analyzer's verdict on a record.
type BehaviorReport struct {
	Pattern   string  `json:"pattern"`
	Temporal  float64 `json:"temporal"`
	Network   float64 `json:"network"`
	User      float64 `json:"user"`
	Deviation float64 `json:"deviation_score"` // 0-1
}

// RiskAssessment is the engine's weighted multi-factor risk verdict.
type RiskAssessment struct {
	Score              int                `json:"risk_score"` // 0-100
	Level              string             `json:"risk_level"` // critical|high|medium|low
	Factors            map[string]float64 `json:"risk_factors"`
	MitigationPriority int                `json:"mitigation_priority"` // 0-10
}

// Recommendation is one remediation step, ranked by priority.
type Recommendation struct {
	Action      string `json:"action"`
	Priority    string `json:"priority"` // critical|high|medium|low
	Automatable bool   `json:"automatable"`
	Description string `json:"description"`
}

// ThreatAnalysis is the immutable composite result of one analyzed record.
type ThreatAnalysis struct {
	ID              string           `json:"id"`
	RecordID        string           `json:"record_id,omitempty"`
	Indicator       string           `json:"indicator,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Risk            RiskAssessment   `json:"risk_assessment"`
	Anomaly         *AnomalyResult   `json:"anomaly_detection,omitempty"`
	Classification  Classification   `json:"threat_classification"`
	Behavior        BehaviorReport   `json:"behavioral_analysis"`
	CompositeScore  int              `json:"composite_score"`  // 0-100
	ConfidenceLevel int              `json:"confidence_level"` // 0-100
	Recommendations []Recommendation `json:"recommendations"`
	Degraded        []string         `json:"degraded,omitempty"` // collaborators that fell back to defaults
}

// ModelInfo reports detector readiness and active model parameters.
type ModelInfo struct {
	Ready               bool      `json:"ready"`
	LastTraining        time.Time `json:"last_training,omitempty"`
	TrainingSampleCount int       `json:"training_sample_count"`
	Threshold           float64   `json:"threshold"`
	NumTrees            int       `json:"num_trees"`
	SubsampleSize       int       `json:"subsample_size"`
	BufferedSamples     int       `json:"buffered_samples"`
}

// FeatureExtractor maps a raw record to the named feature set.
type FeatureExtractor interface {
	Extract(rec Record) FeatureSet
}

// ThreatClassifier labels a feature set with a threat type and confidence.
type ThreatClassifier interface {
	Classify(ctx context.Context, features FeatureSet) (Classification, error)
}

// BehavioralAnalyzer scores how far a record deviates from learned behavior.
type BehavioralAnalyzer interface {
	Analyze(ctx context.Context, rec Record, features FeatureSet) (BehaviorReport, error)
}

// ModelStore persists trained model snapshots. Load returns (nil, nil) when
// no snapshot exists.
type ModelStore interface {
	Load(ctx context.Context) (*ModelSnapshot, error)
	Save(ctx context.Context, snap *ModelSnapshot) error
}

// AnalysisStore archives completed analyses for later inspection.
type AnalysisStore interface {
	Put(ctx context.Context, a *ThreatAnalysis) error
	Recent(ctx context.Context, limit int) ([]*ThreatAnalysis, error)
}

// DetectorConfig carries every detector tunable with its documented default.
type DetectorConfig struct {
	NumTrees          int     `json:"num_trees"`
	SubsampleSize     int     `json:"subsample_size"`
	AnomalyThreshold  float64 `json:"anomaly_threshold"`
	IsolationWeight   float64 `json:"isolation_weight"`
	StatisticalWeight float64 `json:"statistical_weight"`
	MinTrainSamples   int     `json:"min_train_samples"`
	BufferCap         int     `json:"buffer_cap"`
	RetrainBatch      int     `json:"retrain_batch"` // inline retrain when an update exceeds this
	Seed              int64   `json:"seed,omitempty"`

	Synthetic SyntheticProfile `json:"synthetic"`
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		NumTrees:          100,
		SubsampleSize:     256,
		AnomalyThreshold:  0.6,
		IsolationWeight:   0.7,
		StatisticalWeight: 0.3,
		MinTrainSamples:   10,
		BufferCap:         10000,
		RetrainBatch:      100,
		Synthetic:         DefaultSyntheticProfile(),
	}
}

// EngineWeights are the fusion weights for risk assessment and composite scoring.
type EngineWeights struct {
	RiskSeverity   float64 `json:"risk_severity"`
	RiskConfidence float64 `json:"risk_confidence"`
	RiskAnomaly    float64 `json:"risk_anomaly"`
	RiskBehavioral float64 `json:"risk_behavioral"`
	RiskTemporal   float64 `json:"risk_temporal"`
	RiskAsset      float64 `json:"risk_asset"`

	CompositeRisk       float64 `json:"composite_risk"`
	CompositeAnomaly    float64 `json:"composite_anomaly"`
	CompositeConfidence float64 `json:"composite_confidence"`
	CompositeBehavioral float64 `json:"composite_behavioral"`
}

func DefaultEngineWeights() EngineWeights {
	return EngineWeights{
		RiskSeverity:        0.25,
		RiskConfidence:      0.20,
		RiskAnomaly:         0.20,
		RiskBehavioral:      0.15,
		RiskTemporal:        0.10,
		RiskAsset:           0.10,
		CompositeRisk:       0.40,
		CompositeAnomaly:    0.25,
		CompositeConfidence: 0.25,
		CompositeBehavioral: 0.10,
	}
}

// EngineConfig carries the analysis engine's tunables and score tables.
type EngineConfig struct {
	Weights           EngineWeights      `json:"weights"`
	SeverityScores    map[string]float64 `json:"severity_scores"`
	ThreatMultipliers map[string]float64 `json:"threat_multipliers"`
	SeverityUnknown   float64            `json:"severity_unknown"`
	AnomalyDefault    float64            `json:"anomaly_default"`    // anomaly factor when not flagged
	BehavioralDefault float64            `json:"behavioral_default"` // deviation when analyzer absent
	AssetCriticality  float64            `json:"asset_criticality"`  // placeholder until asset inventory lands
	BatchSize         int                `json:"batch_size"`
	QueueCap          int                `json:"queue_cap"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Weights: DefaultEngineWeights(),
		SeverityScores: map[string]float64{
			"critical": 1.0,
			"high":     0.8,
			"medium":   0.6,
			"low":      0.4,
			"info":     0.2,
		},
		ThreatMultipliers: map[string]float64{
			"ransomware": 1.5,
			"apt":        1.3,
			"malware":    1.2,
			"botnet":     1.2,
			"phishing":   1.1,
		},
		SeverityUnknown:   0.6,
		AnomalyDefault:    0.3,
		BehavioralDefault: 0.5,
		AssetCriticality:  0.7,
		BatchSize:         32,
		QueueCap:          10000,
	}
}
