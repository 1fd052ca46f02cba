package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/detection-engine/internal"
	logging "github.com/swarmguard/detection-engine/libs/go/core/logging"
	"github.com/swarmguard/detection-engine/libs/go/core/natsctx"
	"github.com/swarmguard/detection-engine/libs/go/core/otelinit"
	"github.com/swarmguard/detection-engine/libs/go/core/resilience"
)

const (
	subjectIngest   = "swarm.detect.ingest"
	subjectSamples  = "swarm.detect.samples"
	subjectAnalyses = "swarm.detect.analyses"
	subjectBatch    = "swarm.detect.batch"
)

func main() {
	service := "detection-engine"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.Meter("swarm-go")

	dataDir := getenv("SWARM_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("data dir unavailable", "dir", dataDir, "error", err)
		return
	}

	journal := internal.NewJournal(intFromEnv("SWARM_JOURNAL_CAP", 1024))

	modelStore, err := internal.NewBoltModelStore(filepath.Join(dataDir, "models.db"), meter)
	if err != nil {
		slog.Error("model store open failed", "error", err)
		return
	}
	defer modelStore.Close()

	analysisStore, err := internal.NewBadgerAnalysisStore(
		filepath.Join(dataDir, "analyses"), durFromEnv("SWARM_ANALYSIS_TTL", 72*time.Hour), meter)
	if err != nil {
		slog.Error("analysis store open failed", "error", err)
		return
	}
	defer analysisStore.Close()

	behavior := internal.NewGraphBehaviorAnalyzer()
	extractor := internal.NewExtractor(behavior)
	classifier := internal.NewHeuristicClassifier()

	detCfg := internal.DefaultDetectorConfig()
	detCfg.NumTrees = intFromEnv("SWARM_NUM_TREES", detCfg.NumTrees)
	detCfg.SubsampleSize = intFromEnv("SWARM_SUBSAMPLE_SIZE", detCfg.SubsampleSize)
	detCfg.AnomalyThreshold = floatFromEnv("SWARM_ANOMALY_THRESHOLD", detCfg.AnomalyThreshold)
	detector := internal.NewAnomalyDetector(detCfg, modelStore, journal, meter)
	if err := detector.Initialize(ctx); err != nil {
		slog.Error("detector initialization failed", "error", err)
		return
	}

	engCfg := internal.DefaultEngineConfig()
	engCfg.BatchSize = intFromEnv("SWARM_BATCH_SIZE", engCfg.BatchSize)
	engCfg.QueueCap = intFromEnv("SWARM_QUEUE_CAP", engCfg.QueueCap)
	engine := internal.NewAnalysisEngine(engCfg, detector, classifier, behavior, journal, meter)

	if err := internal.RegisterGauges(meter, detector, engine); err != nil {
		slog.Warn("gauge registration failed", "error", err)
	}

	if path := os.Getenv("SWARM_WEIGHTS_FILE"); path != "" {
		go watchWeights(ctx, path, engine)
	}

	var nc *nats.Conn
	if conn, cerr := nats.Connect(getenv("NATS_URL", "127.0.0.1:4222")); cerr == nil {
		nc = conn
		defer nc.Close()
	} else {
		slog.Warn("nats connect failed, transport disabled", "error", cerr)
	}
	publish := publisher(nc)

	if nc != nil {
		if _, serr := natsctx.Subscribe(nc, subjectIngest, func(mctx context.Context, msg *nats.Msg) {
			for _, rec := range decodeRecords(msg.Data) {
				features := extractor.Extract(rec)
				analysis, aerr := engine.PerformAnalysis(mctx, rec, features)
				if aerr != nil {
					slog.Warn("ingest analysis failed", "indicator", rec.Indicator, "error", aerr)
					continue
				}
				persistAnalysis(mctx, analysisStore, analysis)
				publish(mctx, subjectAnalyses, analysis)
			}
		}); serr != nil {
			slog.Warn("subscribe failed", "subject", subjectIngest, "error", serr)
		}
		if _, serr := natsctx.Subscribe(nc, subjectSamples, func(mctx context.Context, msg *nats.Msg) {
			var samples []internal.FeatureSet
			if err := json.Unmarshal(msg.Data, &samples); err != nil {
				slog.Warn("sample decode failed", "error", err)
				return
			}
			if err := detector.UpdateModel(mctx, samples); err != nil {
				slog.Warn("model update failed", "samples", len(samples), "error", err)
			}
		}); serr != nil {
			slog.Warn("subscribe failed", "subject", subjectSamples, "error", serr)
		}
	}

	sched := startScheduler(engine, detector, behavior, publish)

	limiter := resilience.NewRateLimiter(
		int64(intFromEnv("SWARM_RATE_CAPACITY", 200)),
		floatFromEnv("SWARM_RATE_FILL", 100),
		time.Second,
		int64(intFromEnv("SWARM_RATE_WINDOW_MAX", 500)))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/detect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		rec, ok := decodeRecordBody(r)
		if !ok {
			http.Error(w, "invalid record", http.StatusBadRequest)
			return
		}
		result, derr := detector.Detect(r.Context(), extractor.Extract(rec))
		if derr != nil {
			writeError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	mux.HandleFunc("/v1/detect/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, rerr := readBody(r)
		if rerr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		records := decodeRecords(body)
		if len(records) == 0 {
			http.Error(w, "no valid records", http.StatusBadRequest)
			return
		}
		depth := 0
		for _, rec := range records {
			depth = engine.Enqueue(r.Context(), rec, extractor.Extract(rec))
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":      len(records),
			"queue_depth": depth,
		})
	})
	mux.HandleFunc("/v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		rec, ok := decodeRecordBody(r)
		if !ok {
			http.Error(w, "invalid record", http.StatusBadRequest)
			return
		}
		analysis, aerr := engine.PerformAnalysis(r.Context(), rec, extractor.Extract(rec))
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		persistAnalysis(r.Context(), analysisStore, analysis)
		publish(r.Context(), subjectAnalyses, analysis)
		writeJSON(w, http.StatusOK, analysis)
	})
	mux.HandleFunc("/v1/model", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, detector.Info())
	})
	mux.HandleFunc("/v1/model/train", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if terr := detector.TrainModel(r.Context()); terr != nil {
			writeError(w, terr)
			return
		}
		writeJSON(w, http.StatusOK, detector.Info())
	})
	mux.HandleFunc("/v1/model/samples", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var samples []internal.FeatureSet
		if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if uerr := detector.UpdateModel(r.Context(), samples); uerr != nil {
			writeError(w, uerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"buffered":       detector.BufferedSamples(),
			"since_training": detector.SamplesSinceTraining(),
		})
	})
	mux.HandleFunc("/v1/model/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"verified": journal.Verify(),
			"entries":  journal.Entries(limitFromQuery(r, 50)),
		})
	})
	mux.HandleFunc("/v1/model/versions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snaps, herr := modelStore.History(r.Context(), limitFromQuery(r, 10))
		if herr != nil {
			http.Error(w, herr.Error(), http.StatusInternalServerError)
			return
		}
		versions := make([]modelVersion, 0, len(snaps))
		for _, s := range snaps {
			versions = append(versions, modelVersion{
				TrainedAt:     s.TrainedAt,
				SampleCount:   s.SampleCount,
				NumTrees:      s.NumTrees,
				SubsampleSize: s.SubsampleSize,
			})
		}
		writeJSON(w, http.StatusOK, versions)
	})
	mux.HandleFunc("/v1/analyses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		analyses, lerr := analysisStore.Recent(r.Context(), limitFromQuery(r, 20))
		if lerr != nil {
			http.Error(w, lerr.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, analyses)
	})
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"model":          detector.Info(),
			"queue_depth":    engine.QueueDepth(),
			"behavior":       behavior.Stats(),
			"extractor":      extractor.Stats(),
			"model_store":    modelStore.Stats(),
			"analysis_store": analysisStore.Stats(),
			"journal": map[string]any{
				"entries":  journal.Len(),
				"verified": journal.Verify(),
			},
		})
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: getenv("SWARM_DETECT_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctxSd.Done():
	}
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

type modelVersion struct {
	TrainedAt     time.Time `json:"trained_at"`
	SampleCount   int       `json:"sample_count"`
	NumTrees      int       `json:"num_trees"`
	SubsampleSize int       `json:"subsample_size"`
}

// publisher returns a nil-safe, retry-wrapped NATS publish func.
func publisher(nc *nats.Conn) func(ctx context.Context, subject string, v any) {
	return func(ctx context.Context, subject string, v any) {
		if nc == nil {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			slog.Warn("publish encode failed", "subject", subject, "error", err)
			return
		}
		if _, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, natsctx.Publish(ctx, nc, subject, data)
		}); err != nil {
			slog.Warn("publish failed", "subject", subject, "error", err)
		}
	}
}

func persistAnalysis(ctx context.Context, store *internal.BadgerAnalysisStore, a *internal.ThreatAnalysis) {
	if _, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, store.Put(ctx, a)
	}); err != nil {
		slog.Warn("analysis archive failed", "id", a.ID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusForError(err))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, internal.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, internal.ErrInsufficientData),
		errors.Is(err, internal.ErrInvalidFeatureVector):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeRecordBody(r *http.Request) (internal.Record, bool) {
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		return internal.Record{}, false
	}
	return decodeRecord(m)
}

// decodeRecords accepts a single object or an array and drops entries without
// an indicator.
func decodeRecords(data []byte) []internal.Record {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	var out []internal.Record
	switch v := payload.(type) {
	case map[string]any:
		if rec, ok := decodeRecord(v); ok {
			out = append(out, rec)
		}
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				if rec, ok2 := decodeRecord(m); ok2 {
					out = append(out, rec)
				}
			}
		}
	}
	return out
}

// decodeRecord converts a dynamic map to a Record with basic validation.
func decodeRecord(m map[string]any) (internal.Record, bool) {
	indicator, _ := m["indicator"].(string)
	if indicator == "" {
		indicator, _ = m["value"].(string)
	}
	if indicator == "" {
		return internal.Record{}, false
	}
	rec := internal.Record{
		Indicator:  indicator,
		Confidence: parseFloatAny(m["confidence"], 0),
		FirstSeen:  parseTimeAny(m["first_seen"]),
		LastSeen:   parseTimeAny(m["last_seen"]),
	}
	rec.ID, _ = m["id"].(string)
	rec.Type, _ = m["type"].(string)
	rec.Source, _ = m["source"].(string)
	rec.Severity, _ = m["severity"].(string)
	rec.ThreatType, _ = m["threat_type"].(string)
	rec.Country, _ = m["country"].(string)
	if tags, ok := m["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				rec.Tags = append(rec.Tags, s)
			}
		}
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		rec.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				rec.Metadata[k] = s
			}
		}
	}
	return rec, true
}

func parseFloatAny(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

func parseTimeAny(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return time.Time{}
}

func limitFromQuery(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
