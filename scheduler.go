package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/detection-engine/internal"
)

// startScheduler launches the recurring maintenance jobs: batch drains, the
// retrain check, and behavior graph pruning. Stop via the returned cron.
func startScheduler(engine *internal.AnalysisEngine, detector *internal.AnomalyDetector, behavior *internal.GraphBehaviorAnalyzer, publish func(context.Context, string, any)) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	_, _ = c.AddFunc("@every 5s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		results, err := engine.DrainBatch(ctx)
		if err != nil || len(results) == 0 {
			return
		}
		publish(ctx, subjectBatch, results)
		slog.Debug("batch drained", "items", len(results))
	})

	_, _ = c.AddFunc("@every 10m", func() {
		if detector.SamplesSinceTraining() < detector.RetrainThreshold() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := detector.TrainModel(ctx); err != nil {
			slog.Warn("scheduled retrain failed", "error", err)
		}
	})

	_, _ = c.AddFunc("@every 1h", func() {
		if removed := behavior.Prune(24 * time.Hour); removed > 0 {
			slog.Info("behavior graph pruned", "removed", removed)
		}
	})

	c.Start()
	return c
}
