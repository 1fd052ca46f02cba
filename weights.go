package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmguard/detection-engine/internal"
)

// watchWeights applies fusion-weight overrides from path and re-applies them
// whenever the file changes. An unreadable or invalid file leaves the active
// weights untouched.
func watchWeights(ctx context.Context, path string, engine *internal.AnalysisEngine) {
	if err := applyWeights(path, engine); err != nil {
		slog.Warn("weights file rejected", "path", path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("weights watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory; most editors and config pushes replace the file
	// rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("weights watch failed", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := applyWeights(path, engine); err != nil {
				slog.Warn("weights reload rejected", "path", path, "error", err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("weights watcher error", "error", werr)
		}
	}
}

// applyWeights reads the override file and swaps the engine weights. Fields
// absent from the file keep their defaults.
func applyWeights(path string, engine *internal.AnalysisEngine) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	w := internal.DefaultEngineWeights()
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	engine.UpdateWeights(w)
	return nil
}
