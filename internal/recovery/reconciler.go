// Package recovery repairs queue state left inconsistent by an unclean
// shutdown. It runs exactly once at startup, before the scheduler may pick
// new work, and is idempotent.
package recovery

import (
	"context"
	"log/slog"

	"uploadq/internal/blobstore"
	"uploadq/internal/logging"
	"uploadq/internal/monitor"
	"uploadq/internal/queue"
)

// Evaluator is the scheduler surface the reconciler needs: one re-evaluation
// after repairs are done.
type Evaluator interface {
	Evaluate(ctx context.Context)
}

// Reconciler repairs persisted state on boot.
type Reconciler struct {
	store   *queue.Store
	blobs   *blobstore.Store
	monitor *monitor.Monitor
	sched   Evaluator
	logger  *slog.Logger
}

// New builds a reconciler over the shared stores.
func New(store *queue.Store, blobs *blobstore.Store, mon *monitor.Monitor, sched Evaluator, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		blobs:   blobs,
		monitor: mon,
		sched:   sched,
		logger:  logging.NewComponentLogger(logger, "recovery"),
	}
}

// Run performs the startup repair sequence:
//
//  1. uploading items become interrupted, since an in-flight upload cannot
//     have survived a restart;
//  2. non-terminal items whose blob is gone become missing_file;
//  3. items still processing with a remote id get their push subscription
//     re-attached so monitoring resumes without user action;
//  4. the scheduler re-evaluates once.
func (r *Reconciler) Run(ctx context.Context) error {
	interrupted, err := r.store.MarkUploadingInterrupted(ctx)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		r.logger.Info("downgraded interrupted uploads", logging.Int64("count", interrupted))
	}

	items, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Status.IsTerminal() || item.Status == queue.StatusMissingFile {
			continue
		}
		ok, err := r.blobs.Has(item.BlobKey)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		item.SetMissingFile()
		if err := r.store.Update(ctx, item); err != nil {
			return err
		}
		r.logger.Warn("blob lost while offline",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("file", item.FileName),
			logging.String(logging.FieldErrorHint, "reselect the file to retry"),
		)
	}

	processing, err := r.store.List(ctx, queue.StatusProcessing)
	if err != nil {
		return err
	}
	for _, item := range processing {
		if item.RemoteID == "" {
			continue
		}
		r.monitor.Attach(ctx, item)
	}

	if r.sched != nil {
		r.sched.Evaluate(ctx)
	}
	return nil
}
