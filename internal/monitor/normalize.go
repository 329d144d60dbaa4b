package monitor

import (
	"strings"

	"uploadq/internal/ingest"
	"uploadq/internal/queue"
)

// stageDefaults maps the server's pipeline vocabulary to the progress shown
// when an event carries no explicit value. The table is open: the server can
// grow new stage names without a client release, and anything unknown is
// treated as processing at 0.
var stageDefaults = map[string]float64{
	"ingested":    5,
	"extracting":  15,
	"classifying": 30,
	"chunking":    40,
	"embedding":   50,
	"graph_sync":  75,
	"ready":       100,
	"completed":   100,
	"failed":      0,
}

// DefaultStageProgress returns the fixed progress for a known stage name and
// 0 for anything unrecognized.
func DefaultStageProgress(stage string) float64 {
	return stageDefaults[normalizeStage(stage)]
}

func normalizeStage(stage string) string {
	return strings.ToLower(strings.TrimSpace(stage))
}

// ApplyStatus folds one server status event into an item and reports whether
// anything changed. It is the single convergence point for both monitoring
// channels:
//
//   - events for an item already in a terminal status are ignored, so a stale
//     "processing" update can never revert a completed item;
//   - ready/completed and failed are terminal from either channel;
//   - an event that omits progress keeps the previous stage progress when the
//     stage is unchanged (a low-fidelity poll must not erase a richer push
//     value) and falls back to the stage default otherwise;
//   - unknown stage names fail open as processing at their default of 0.
func ApplyStatus(item *queue.Item, event ingest.StatusEvent) bool {
	if item == nil || item.Status.IsTerminal() {
		return false
	}

	stage := normalizeStage(event.Status)
	if stage == "" {
		return false
	}

	switch stage {
	case "ready", "completed":
		item.SetReady()
		return true
	case "failed":
		item.SetFailed(strings.TrimSpace(event.ErrorMessage))
		return true
	}

	progress := item.StageProgress
	switch {
	case event.Progress != nil:
		progress = clampPercent(*event.Progress)
	case stage == item.CurrentStage:
		// keep the previous value
	default:
		progress = DefaultStageProgress(stage)
	}

	changed := item.Status != queue.StatusProcessing ||
		item.CurrentStage != stage ||
		item.StageProgress != progress
	item.Status = queue.StatusProcessing
	item.CurrentStage = stage
	item.StageProgress = progress
	return changed
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
