package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/ingest"
	"uploadq/internal/logging"
	"uploadq/internal/monitor"
	"uploadq/internal/queue"
)

// FileUpload is one file handed to Enqueue: descriptive metadata plus the
// raw bytes that go into the blob store.
type FileUpload struct {
	Meta queue.FileMeta
	Data []byte
}

// Scheduler enforces the upload concurrency ceiling and owns every state
// transition. External callers request actions and read state; they never
// mutate items directly.
type Scheduler struct {
	cfg     *config.Config
	store   *queue.Store
	blobs   *blobstore.Store
	client  *ingest.Client
	monitor *monitor.Monitor
	logger  *slog.Logger

	maxActive int

	mu      sync.Mutex
	uploads map[string]context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// New constructs a scheduler and installs it as the monitor's event handler.
func New(cfg *config.Config, store *queue.Store, blobs *blobstore.Store, client *ingest.Client, mon *monitor.Monitor, logger *slog.Logger) *Scheduler {
	maxActive := cfg.Queue.MaxActiveUploads
	if maxActive <= 0 {
		maxActive = 1
	}
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		client:    client,
		monitor:   mon,
		logger:    logging.NewComponentLogger(logger, "scheduler"),
		maxActive: maxActive,
		uploads:   make(map[string]context.CancelFunc),
		runCtx:    context.Background(),
	}
	mon.SetHandler(s.HandleMonitorEvent)
	return s
}

// Bind sets the lifetime context governing uploads, subscriptions, and the
// polling fallback. Run binds its own context; callers that evaluate before
// Run (the recovery reconciler) bind first.
func (s *Scheduler) Bind(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

// Run drives the queue until ctx is cancelled: an immediate evaluation, then
// one per poll interval so items enqueued by other processes are picked up.
// Every internal transition also re-evaluates, so the ticker is a backstop,
// not the scheduling mechanism.
func (s *Scheduler) Run(ctx context.Context) {
	s.Bind(ctx)

	interval := time.Duration(s.cfg.Queue.PollInterval) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	s.Evaluate(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.uploads))
	for _, cancel := range s.uploads {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

// Enqueue persists the files' bytes and appends queued items, then kicks the
// scheduler. Items are returned in submission order.
func (s *Scheduler) Enqueue(ctx context.Context, files []FileUpload) ([]*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*queue.Item, 0, len(files))
	for _, file := range files {
		item := queue.NewItem(file.Meta)
		if err := s.blobs.Put(item.BlobKey, file.Data); err != nil {
			return items, err
		}
		if err := s.store.Insert(ctx, item); err != nil {
			// The blob must not outlive its item.
			_ = s.blobs.Delete(item.BlobKey)
			return items, err
		}
		items = append(items, item)
		s.logger.Info("item enqueued",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("file", item.FileName),
			logging.Int64("bytes", item.FileSize),
		)
	}

	s.evaluateLocked(ctx)
	return items, nil
}

// Retry returns a failure-family item to the queue when its bytes still
// exist, and to missing_file when they are gone. Retrying anything else is a
// no-op.
func (s *Scheduler) Retry(ctx context.Context, id string) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.store.GetByID(ctx, id)
	if err != nil || item == nil {
		return nil, err
	}
	if !item.Status.IsFailure() {
		return item, nil
	}

	ok, err := s.blobs.Has(item.BlobKey)
	if err != nil {
		return nil, err
	}
	if ok {
		item.ResetForRetry()
	} else {
		item.SetMissingFile()
	}
	if err := s.store.Update(ctx, item); err != nil {
		return nil, err
	}

	s.evaluateLocked(ctx)
	return item, nil
}

// Remove deletes an item outright: the in-flight upload is aborted, the push
// subscription torn down, the blob deleted, and the row removed. All four
// steps run on every removal; a dangling subscription or orphaned blob is a
// resource leak.
func (s *Scheduler) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	if cancel, ok := s.uploads[id]; ok {
		delete(s.uploads, id)
		cancel()
	}
	s.monitor.Detach(id)
	if err := s.blobs.Delete(item.BlobKey); err != nil {
		return false, err
	}
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return false, err
	}

	s.evaluateLocked(ctx)
	return removed, nil
}

// Clear removes items wholesale with the same per-item cleanup as Remove.
// With failedOnly set, only failure-family items are affected.
func (s *Scheduler) Clear(ctx context.Context, failedOnly bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var cleared int64
	for _, item := range items {
		if failedOnly && !item.Status.IsFailure() {
			continue
		}
		if cancel, ok := s.uploads[item.ID]; ok {
			delete(s.uploads, item.ID)
			cancel()
		}
		s.monitor.Detach(item.ID)
		if err := s.blobs.Delete(item.BlobKey); err != nil {
			return cleared, err
		}
		removed, err := s.store.Remove(ctx, item.ID)
		if err != nil {
			return cleared, err
		}
		if removed {
			cleared++
		}
	}

	s.evaluateLocked(ctx)
	return cleared, nil
}

// Evaluate fills free upload slots from the front of the queue and makes
// sure the polling fallback runs while anything is processing. It is
// idempotent and safe to call redundantly.
func (s *Scheduler) Evaluate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluateLocked(ctx)
}

func (s *Scheduler) evaluateLocked(ctx context.Context) {
	for len(s.uploads) < s.maxActive {
		item, err := s.store.NextQueued(ctx)
		if err != nil {
			s.logger.Error("failed to fetch next queued item",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			break
		}
		if item == nil {
			break
		}

		ok, err := s.blobs.Has(item.BlobKey)
		if err != nil {
			s.logger.Error("blob probe failed",
				logging.String(logging.FieldItemID, item.ID),
				logging.Error(err),
			)
			break
		}
		if !ok {
			item.SetMissingFile()
			if err := s.store.Update(ctx, item); err != nil {
				s.logger.Error("failed to persist missing_file state",
					logging.String(logging.FieldItemID, item.ID),
					logging.Error(err),
				)
				break
			}
			continue
		}

		s.startUploadLocked(item)
	}

	processing, err := s.store.CountByStatus(ctx, queue.StatusProcessing)
	if err != nil {
		s.logger.Error("failed to count processing items", logging.Error(err))
		return
	}
	if processing > 0 {
		s.monitor.EnsurePolling(s.runCtx)
	}
}

func (s *Scheduler) startUploadLocked(item *queue.Item) {
	item.BeginUpload()
	if err := s.store.Update(context.Background(), item); err != nil {
		s.logger.Error("failed to persist uploading state",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
		return
	}

	uploadCtx, cancel := context.WithCancel(s.runCtx)
	s.uploads[item.ID] = cancel

	s.logger.Info("upload started",
		logging.String(logging.FieldItemID, item.ID),
		logging.String("file", item.FileName),
		logging.Int("attempt", item.Attempts),
	)

	s.wg.Add(1)
	go s.runUpload(uploadCtx, item.ID, item.BlobKey, queue.FileMeta{
		Name:     item.FileName,
		Size:     item.FileSize,
		MimeType: item.MimeType,
	})
}

func (s *Scheduler) runUpload(ctx context.Context, itemID, blobKey string, meta queue.FileMeta) {
	defer s.wg.Done()

	blob, ok, err := s.blobs.Get(blobKey)
	if err != nil || !ok {
		// The blob vanished between scheduling and upload. This is a local
		// condition; no request is attempted.
		s.finishUpload(itemID, nil, errBlobMissing)
		return
	}

	result, err := s.client.Upload(ctx, ingest.FileInfo{
		Name:     meta.Name,
		Size:     meta.Size,
		MimeType: meta.MimeType,
	}, blob, func(percent float64) {
		s.recordUploadProgress(itemID, percent)
	})

	if ctx.Err() != nil {
		// Removed or shut down mid-flight; Remove already cleaned up, and a
		// restart reconciles shutdown interruptions.
		return
	}
	s.finishUpload(itemID, result, err)
}

// recordUploadProgress persists upload progress, keeping it monotonically
// non-decreasing. Writes are throttled to whole-point steps.
func (s *Scheduler) recordUploadProgress(itemID string, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	item, err := s.store.GetByID(ctx, itemID)
	if err != nil || item == nil || item.Status != queue.StatusUploading {
		return
	}
	if percent <= item.UploadProgress || percent-item.UploadProgress < 1 {
		return
	}
	item.UploadProgress = percent
	if err := s.store.Update(ctx, item); err != nil {
		s.logger.Debug("failed to persist upload progress",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(err),
		)
	}
}

func (s *Scheduler) finishUpload(itemID string, result *ingest.UploadResult, uploadErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uploads, itemID)

	ctx := context.Background()
	item, err := s.store.GetByID(ctx, itemID)
	if err != nil {
		s.logger.Error("failed to load item after upload",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(err),
		)
		return
	}
	if item == nil || item.Status != queue.StatusUploading {
		// Removed while the final response was in flight.
		s.evaluateLocked(ctx)
		return
	}

	switch {
	case errors.Is(uploadErr, errBlobMissing):
		item.SetMissingFile()
	case uploadErr != nil:
		// Transport errors surface verbatim as the item's reason.
		item.SetFailed(uploadErr.Error())
		s.logger.Warn("upload failed",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(uploadErr),
			logging.String(logging.FieldErrorHint, "use 'uploadq retry' after resolving the cause"),
		)
	default:
		item.BeginProcessing(result.RemoteID, result.MonitorEndpoint)
		s.logger.Info("upload complete",
			logging.String(logging.FieldItemID, itemID),
			logging.String(logging.FieldRemoteID, result.RemoteID),
		)
	}

	if err := s.store.Update(ctx, item); err != nil {
		s.logger.Error("failed to persist upload outcome",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(err),
		)
		return
	}

	if item.Status == queue.StatusProcessing {
		s.monitor.Attach(s.runCtx, item)
	}
	s.evaluateLocked(ctx)
}

// HandleMonitorEvent folds a status event from either channel into the item.
// Events for removed or already-terminal items are ignored.
func (s *Scheduler) HandleMonitorEvent(itemID string, event ingest.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	item, err := s.store.GetByID(ctx, itemID)
	if err != nil {
		s.logger.Error("failed to load item for monitor event",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(err),
		)
		return
	}
	if item == nil || item.Status.IsTerminal() {
		s.monitor.Detach(itemID)
		return
	}
	if item.Status != queue.StatusProcessing {
		return
	}

	if !monitor.ApplyStatus(item, event) {
		return
	}
	if err := s.store.Update(ctx, item); err != nil {
		s.logger.Error("failed to persist monitor update",
			logging.String(logging.FieldItemID, itemID),
			logging.Error(err),
		)
		return
	}

	if item.Status.IsTerminal() {
		s.monitor.Detach(itemID)
		if item.Status == queue.StatusReady {
			// Success releases the bytes; failures keep them for retry.
			if err := s.blobs.Delete(item.BlobKey); err != nil {
				s.logger.Warn("failed to delete blob for ready item",
					logging.String(logging.FieldItemID, itemID),
					logging.Error(err),
				)
			}
		}
		s.logger.Info("processing finished",
			logging.String(logging.FieldItemID, itemID),
			logging.String(logging.FieldStatus, string(item.Status)),
		)
	} else {
		s.logger.Debug("stage advanced",
			logging.String(logging.FieldItemID, itemID),
			logging.String(logging.FieldStage, item.CurrentStage),
		)
	}

	s.evaluateLocked(ctx)
}

// ActiveUploads reports how many uploads are currently in flight.
func (s *Scheduler) ActiveUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}
