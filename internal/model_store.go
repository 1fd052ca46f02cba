package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketModels        = []byte("models")
	bucketModelVersions = []byte("model_versions")

	modelLatestKey = []byte("latest")
)

// ModelSnapshot is the persisted form of a trained model: forest trees plus
// the baseline fitted on the same matrix.
type ModelSnapshot struct {
	TrainedAt          time.Time            `json:"trained_at"`
	SampleCount        int                  `json:"sample_count"`
	NumTrees           int                  `json:"num_trees"`
	SubsampleSize      int                  `json:"subsample_size"`
	EffectiveSubsample int                  `json:"effective_subsample"`
	Trees              []*treeNode          `json:"trees"`
	Baseline           *StatisticalBaseline `json:"baseline"`
}

// BoltModelStore keeps the latest snapshot under a fixed key and archives
// the snapshot it replaces under a nanosecond timestamp.
type BoltModelStore struct {
	db      *bbolt.DB
	latency metric.Float64Histogram
}

func NewBoltModelStore(path string, meter metric.Meter) (*BoltModelStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:      time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketModels, bucketModelVersions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltModelStore{db: db}
	s.latency, _ = meter.Float64Histogram("swarm_model_store_latency_ms",
		metric.WithDescription("Model store operation latency"),
		metric.WithUnit("ms"))
	return s, nil
}

// Load returns the latest snapshot, or (nil, nil) when none was saved yet.
func (s *BoltModelStore) Load(ctx context.Context) (*ModelSnapshot, error) {
	start := time.Now()
	var snap *ModelSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketModels).Get(modelLatestKey)
		if data == nil {
			return nil
		}
		snap = &ModelSnapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return fmt.Errorf("decode model snapshot: %w", err)
		}
		return nil
	})
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", "load")))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save installs snap as latest, archiving the snapshot it replaces.
func (s *BoltModelStore) Save(ctx context.Context, snap *ModelSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode model snapshot: %w", err)
	}

	start := time.Now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		models := tx.Bucket(bucketModels)
		if prev := models.Get(modelLatestKey); prev != nil {
			key := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			archived := make([]byte, len(prev))
			copy(archived, prev)
			if err := tx.Bucket(bucketModelVersions).Put(key, archived); err != nil {
				return fmt.Errorf("archive model version: %w", err)
			}
		}
		return models.Put(modelLatestKey, data)
	})
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", "save")))
	return err
}

// History lists archived snapshots newest first, up to limit.
func (s *BoltModelStore) History(ctx context.Context, limit int) ([]*ModelSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*ModelSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketModelVersions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			snap := &ModelSnapshot{}
			if err := json.Unmarshal(v, snap); err != nil {
				continue
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats reports bucket key counts for the status endpoint.
func (s *BoltModelStore) Stats() map[string]any {
	stats := map[string]any{}
	s.db.View(func(tx *bbolt.Tx) error {
		stats["models"] = tx.Bucket(bucketModels).Stats().KeyN
		stats["archived_versions"] = tx.Bucket(bucketModelVersions).Stats().KeyN
		return nil
	})
	return stats
}

func (s *BoltModelStore) Close() error { return s.db.Close() }
