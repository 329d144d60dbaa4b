// Package progress derives a single queue-wide percentage from
// heterogeneous per-item state.
package progress

import (
	"uploadq/internal/queue"
)

// DefaultUploadWeight is the share of an item's overall progress attributed
// to the upload phase. Server-side processing gets the remainder; it is
// typically the slower half by a wide margin.
const DefaultUploadWeight = 0.3

// Summary is the aggregate view consumed by the CLI and the title badge.
type Summary struct {
	// Percent is byte-size-weighted over non-excluded items, so a large file
	// dominates proportionally to its size. 100 when nothing countable
	// remains below 100.
	Percent float64
	// Active reports whether any item is still queued, uploading, or
	// processing.
	Active bool
	Counts map[queue.Status]int
	Total  int
}

// ItemPercent converts one item's state into a 0-100 percentage. The second
// return is false for failure-family items, which are excluded from the
// aggregate entirely: one failed item must not drag down the rest of the
// batch.
func ItemPercent(item *queue.Item, uploadWeight float64) (float64, bool) {
	if item == nil || item.Status.IsFailure() {
		return 0, false
	}
	if uploadWeight <= 0 || uploadWeight >= 1 {
		uploadWeight = DefaultUploadWeight
	}
	processWeight := 1 - uploadWeight

	switch item.Status {
	case queue.StatusQueued:
		return 0, true
	case queue.StatusUploading:
		return item.UploadProgress * uploadWeight, true
	case queue.StatusProcessing:
		return 100*uploadWeight + item.StageProgress*processWeight, true
	case queue.StatusReady:
		return 100, true
	default:
		return 0, false
	}
}

// Aggregate folds all items into a Summary.
func Aggregate(items []*queue.Item, uploadWeight float64) Summary {
	summary := Summary{
		Counts: make(map[queue.Status]int, len(items)),
		Total:  len(items),
	}

	var weightedSum, totalBytes float64
	for _, item := range items {
		summary.Counts[item.Status]++
		switch item.Status {
		case queue.StatusQueued, queue.StatusUploading, queue.StatusProcessing:
			summary.Active = true
		}

		percent, ok := ItemPercent(item, uploadWeight)
		if !ok {
			continue
		}
		size := float64(item.FileSize)
		if size <= 0 {
			// Zero-byte files still count, just with a minimal weight.
			size = 1
		}
		weightedSum += size * percent / 100
		totalBytes += size
	}

	if totalBytes > 0 {
		summary.Percent = weightedSum / totalBytes * 100
	}
	return summary
}
