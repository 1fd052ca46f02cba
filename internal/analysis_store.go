package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var analysisPrefix = []byte("analysis:")

// BadgerAnalysisStore archives completed analyses with a retention TTL.
// Keys embed a zero-padded nanosecond timestamp, so lexicographic order is
// arrival order and reverse iteration yields newest first.
type BadgerAnalysisStore struct {
	db      *badger.DB
	ttl     time.Duration
	writes  metric.Int64Counter
	reads   metric.Int64Counter
	latency metric.Float64Histogram
}

func NewBadgerAnalysisStore(path string, ttl time.Duration, meter metric.Meter) (*BadgerAnalysisStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	return openAnalysisStore(opts, ttl, meter)
}

func openAnalysisStore(opts badger.Options, ttl time.Duration, meter metric.Meter) (*BadgerAnalysisStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open analysis store: %w", err)
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	s := &BadgerAnalysisStore{db: db, ttl: ttl}
	s.writes, _ = meter.Int64Counter("swarm_analysis_store_writes_total",
		metric.WithDescription("Analyses archived"))
	s.reads, _ = meter.Int64Counter("swarm_analysis_store_reads_total",
		metric.WithDescription("Analyses read back"))
	s.latency, _ = meter.Float64Histogram("swarm_analysis_store_latency_ms",
		metric.WithDescription("Analysis store operation latency"),
		metric.WithUnit("ms"))
	return s, nil
}

func analysisKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", analysisPrefix, ts.UnixNano(), id))
}

// Put archives one analysis under the retention TTL.
func (s *BadgerAnalysisStore) Put(ctx context.Context, a *ThreatAnalysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	key := analysisKey(a.Timestamp, a.ID)
	start := time.Now()
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, data).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", "put")))
	if err != nil {
		return err
	}
	s.writes.Add(ctx, 1)
	return nil
}

// Recent returns up to limit analyses, newest first.
func (s *BadgerAnalysisStore) Recent(ctx context.Context, limit int) ([]*ThreatAnalysis, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*ThreatAnalysis
	start := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		opt.PrefetchValues = true
		it := txn.NewIterator(opt)
		defer it.Close()

		// Reverse iterators start past the last key of the prefix range.
		seek := append(append([]byte{}, analysisPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(analysisPrefix) && len(out) < limit; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			a := &ThreatAnalysis{}
			if err := json.Unmarshal(val, a); err != nil {
				continue
			} // skip malformed
			out = append(out, a)
		}
		return nil
	})
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", "recent")))
	if err != nil {
		return nil, err
	}
	s.reads.Add(ctx, int64(len(out)))
	return out, nil
}

// Stats reports store sizes for the status endpoint.
func (s *BadgerAnalysisStore) Stats() map[string]any {
	lsm, vlog := s.db.Size()
	return map[string]any{
		"lsm_bytes":  lsm,
		"vlog_bytes": vlog,
	}
}

func (s *BadgerAnalysisStore) Close() error { return s.db.Close() }
