package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/ingest"
	"uploadq/internal/logging"
	"uploadq/internal/monitor"
	"uploadq/internal/queue"
	"uploadq/internal/recovery"
	"uploadq/internal/scheduler"
)

// Daemon coordinates queue processing and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *queue.Store
	blobs   *blobstore.Store
	monitor *monitor.Monitor
	sched   *scheduler.Scheduler

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, blobs *blobstore.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || blobs == nil {
		return nil, errors.New("daemon requires config, store, and blob store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client := ingest.NewClient(cfg)
	mon := monitor.New(store, client, logger, time.Duration(cfg.Queue.PollInterval)*time.Second)
	sched := scheduler.New(cfg, store, blobs, client, mon, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "uploadq.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		blobs:    blobs,
		monitor:  mon,
		sched:    sched,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Scheduler exposes the queue entry points to callers (CLI commands).
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.sched
}

// Start acquires the instance lock, reconciles persisted state, and launches
// the scheduler loop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another uploadq instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.sched.Bind(runCtx)
	reconciler := recovery.New(d.store, d.blobs, d.monitor, d.sched, d.logger)
	if err := reconciler.Run(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		d.cancel = nil
		return fmt.Errorf("reconcile queue state: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sched.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("uploadq daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.monitor.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release instance lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("uploadq daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}
