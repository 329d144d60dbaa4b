package scheduler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"uploadq/internal/blobstore"
	"uploadq/internal/ingest"
	"uploadq/internal/logging"
	"uploadq/internal/monitor"
	"uploadq/internal/queue"
	"uploadq/internal/scheduler"
	"uploadq/internal/testsupport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeIngest emulates the backend: uploads can be held open behind a gate,
// and polled statuses are scripted per remote id.
type fakeIngest struct {
	gate        chan struct{}
	gateOnce    sync.Once
	failUploads bool

	mu       sync.Mutex
	nextID   int
	statuses map[string]string
}

func newFakeIngest() *fakeIngest {
	return &fakeIngest{statuses: make(map[string]string)}
}

func (f *fakeIngest) blockUploads() {
	f.gate = make(chan struct{})
}

func (f *fakeIngest) releaseUploads() {
	if f.gate != nil {
		f.gateOnce.Do(func() { close(f.gate) })
	}
}

func (f *fakeIngest) setAllStatuses(status string) {
	f.mu.Lock()
	for id := range f.statuses {
		f.statuses[id] = status
	}
	f.mu.Unlock()
}

func (f *fakeIngest) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/ticket", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ticket":"tkt"}`)
	})
	mux.HandleFunc("POST /api/documents", func(w http.ResponseWriter, r *http.Request) {
		if f.gate != nil {
			<-f.gate
		}
		if f.failUploads {
			http.Error(w, "disk full", http.StatusInternalServerError)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.nextID++
		remoteID := fmt.Sprintf("doc-%d", f.nextID)
		f.statuses[remoteID] = "ingested"
		f.mu.Unlock()
		fmt.Fprintf(w, `{"remoteId":%q}`, remoteID)
	})
	mux.HandleFunc("GET /api/documents/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, ok := f.statuses[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"status":%q}`, status)
	})
	return mux
}

func newTestScheduler(t *testing.T, backend *fakeIngest, opts ...testsupport.ConfigOption) (*scheduler.Scheduler, *queue.Store, *blobstore.Store) {
	t.Helper()

	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	t.Cleanup(backend.releaseUploads)

	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithIngestBase(srv.URL)}, opts...)...)
	store := testsupport.MustOpenStore(t, cfg)
	blobs := testsupport.MustOpenBlobs(t, cfg)
	client := ingest.NewClient(cfg)

	mon := monitor.New(store, client, logging.NewNop(), 20*time.Millisecond)
	t.Cleanup(mon.Stop)

	s := scheduler.New(cfg, store, blobs, client, mon, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Bind(ctx)
	return s, store, blobs
}

func fileUpload(name, content string) scheduler.FileUpload {
	return scheduler.FileUpload{
		Meta: queue.FileMeta{
			Name:       name,
			Size:       int64(len(content)),
			MimeType:   "text/plain",
			ModifiedAt: time.Now().UTC(),
		},
		Data: []byte(content),
	}
}

func TestEnqueueRespectsConcurrencyCeiling(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	items, err := s.Enqueue(ctx, []scheduler.FileUpload{
		fileUpload("a.txt", "aaa"),
		fileUpload("b.txt", "bbb"),
		fileUpload("c.txt", "ccc"),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	if got := s.ActiveUploads(); got != 1 {
		t.Fatalf("expected exactly one active upload, got %d", got)
	}
	uploading, err := store.CountByStatus(ctx, queue.StatusUploading)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	queued, err := store.CountByStatus(ctx, queue.StatusQueued)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if uploading != 1 || queued != 2 {
		t.Fatalf("expected 1 uploading and 2 queued, got %d and %d", uploading, queued)
	}

	// The ceiling holds while the first upload is in flight, and the rest
	// drain through the single slot once it opens.
	backend.releaseUploads()
	waitFor(t, 5*time.Second, func() bool {
		count, err := store.CountByStatus(ctx, queue.StatusProcessing)
		return err == nil && count == 3
	}, "expected all items to reach processing")

	backend.setAllStatuses("ready")
	waitFor(t, 5*time.Second, func() bool {
		count, err := store.CountByStatus(ctx, queue.StatusReady)
		return err == nil && count == 3
	}, "expected all items to reach ready")

	// Success releases the stored bytes.
	for _, item := range items {
		ok, err := blobs.Has(item.BlobKey)
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if ok {
			t.Fatalf("expected blob for %s to be deleted", item.FileName)
		}
	}
	if got := s.ActiveUploads(); got != 0 {
		t.Fatalf("expected no active uploads, got %d", got)
	}
}

func TestCeilingAllowsConfiguredParallelism(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, _ := newTestScheduler(t, backend, testsupport.WithMaxActiveUploads(2))

	ctx := context.Background()
	if _, err := s.Enqueue(ctx, []scheduler.FileUpload{
		fileUpload("a.txt", "aaa"),
		fileUpload("b.txt", "bbb"),
		fileUpload("c.txt", "ccc"),
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if got := s.ActiveUploads(); got != 2 {
		t.Fatalf("expected two active uploads, got %d", got)
	}
	uploading, err := store.CountByStatus(ctx, queue.StatusUploading)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	queued, err := store.CountByStatus(ctx, queue.StatusQueued)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if uploading != 2 || queued != 1 {
		t.Fatalf("expected 2 uploading and 1 queued, got %d and %d", uploading, queued)
	}

	backend.releaseUploads()
	waitFor(t, 5*time.Second, func() bool {
		count, err := store.CountByStatus(ctx, queue.StatusProcessing)
		return err == nil && count == 3
	}, "expected all items to reach processing")
}

func TestClearScopesToFailureFamily(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	items, err := s.Enqueue(ctx, []scheduler.FileUpload{fileUpload("active.txt", "aaa")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	failed := queue.NewItem(queue.FileMeta{Name: "broken.txt", Size: 4})
	failed.SetFailed("earlier attempt failed")
	if err := blobs.Put(failed.BlobKey, []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Insert(ctx, failed); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	cleared, err := s.Clear(ctx, true)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 item cleared, got %d", cleared)
	}
	if ok, err := blobs.Has(failed.BlobKey); err != nil || ok {
		t.Fatalf("expected failed blob to be deleted: ok=%v err=%v", ok, err)
	}
	// The in-flight upload is outside the failure family and survives.
	if got := s.ActiveUploads(); got != 1 {
		t.Fatalf("expected the active upload to survive, got %d", got)
	}

	cleared, err = s.Clear(ctx, false)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 item cleared, got %d", cleared)
	}
	if got := s.ActiveUploads(); got != 0 {
		t.Fatalf("expected the upload to be aborted, got %d active", got)
	}
	if ok, err := blobs.Has(items[0].BlobKey); err != nil || ok {
		t.Fatalf("expected active blob to be deleted: ok=%v err=%v", ok, err)
	}
	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty queue, got %d items", len(remaining))
	}
}

func TestUploadFailureRecordsServerMessage(t *testing.T) {
	backend := newFakeIngest()
	backend.failUploads = true
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	items, err := s.Enqueue(ctx, []scheduler.FileUpload{fileUpload("a.txt", "aaa")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id := items[0].ID

	waitFor(t, 5*time.Second, func() bool {
		item, err := store.GetByID(ctx, id)
		return err == nil && item != nil && item.Status == queue.StatusFailed
	}, "expected item to fail")

	item, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if item.ErrorMessage != "upload failed: disk full" {
		t.Fatalf("server text must survive verbatim, got %q", item.ErrorMessage)
	}

	// Failure keeps the bytes so retry can reuse them.
	ok, err := blobs.Has(item.BlobKey)
	if err != nil || !ok {
		t.Fatalf("expected blob to be kept: ok=%v err=%v", ok, err)
	}
}

func TestEvaluateMarksMissingBlobBeforeUpload(t *testing.T) {
	backend := newFakeIngest()
	s, store, _ := newTestScheduler(t, backend)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "ghost.txt", Size: 5})
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	s.Evaluate(ctx)

	fetched, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != queue.StatusMissingFile {
		t.Fatalf("expected missing_file, got %s", fetched.Status)
	}
	if fetched.ErrorMessage != queue.MissingFileReason {
		t.Fatalf("unexpected reason %q", fetched.ErrorMessage)
	}
}

func TestRetryRequeuesWhenBlobSurvives(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "retry.txt", Size: 4})
	item.SetFailed("earlier attempt failed")
	if err := blobs.Put(item.BlobKey, []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	retried, err := s.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.ErrorMessage != "" {
		t.Fatalf("expected cleared error, got %q", retried.ErrorMessage)
	}

	// The retry re-enters scheduling immediately.
	waitFor(t, 5*time.Second, func() bool {
		fetched, err := store.GetByID(ctx, item.ID)
		return err == nil && fetched != nil && fetched.Status == queue.StatusUploading
	}, "expected retried item to start uploading")
}

func TestRetryWithLostBlobMarksMissingFile(t *testing.T) {
	backend := newFakeIngest()
	s, store, _ := newTestScheduler(t, backend)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "gone.txt", Size: 4})
	item.SetFailed("earlier attempt failed")
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	retried, err := s.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != queue.StatusMissingFile {
		t.Fatalf("expected missing_file, got %s", retried.Status)
	}
	if retried.ErrorMessage != queue.MissingFileReason {
		t.Fatalf("unexpected reason %q", retried.ErrorMessage)
	}
}

func TestRetryIgnoresNonFailureItems(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "active.txt", Size: 4})
	item.BeginUpload()
	item.BeginProcessing("doc-x", "http://example/events")
	if err := blobs.Put(item.BlobKey, []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	retried, err := s.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != queue.StatusProcessing {
		t.Fatalf("retry of an active item must be a no-op, got %s", retried.Status)
	}
}

func TestRemoveCancelsActiveUpload(t *testing.T) {
	backend := newFakeIngest()
	backend.blockUploads()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	items, err := s.Enqueue(ctx, []scheduler.FileUpload{fileUpload("a.txt", "aaa")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id := items[0].ID
	if got := s.ActiveUploads(); got != 1 {
		t.Fatalf("expected one active upload, got %d", got)
	}

	removed, err := s.Remove(ctx, id)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Fatal("expected removal to report true")
	}
	if got := s.ActiveUploads(); got != 0 {
		t.Fatalf("expected upload slot to be freed, got %d", got)
	}

	fetched, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected row to be gone, got %#v", fetched)
	}
	ok, err := blobs.Has(items[0].BlobKey)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Fatal("expected blob to be deleted")
	}
}

func TestRemoveMissingItem(t *testing.T) {
	backend := newFakeIngest()
	s, _, _ := newTestScheduler(t, backend)

	removed, err := s.Remove(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed {
		t.Fatal("expected false for an unknown id")
	}
}

func TestMonitorEventDrivesItemToReady(t *testing.T) {
	backend := newFakeIngest()
	s, store, blobs := newTestScheduler(t, backend)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "doc.pdf", Size: 10})
	item.BeginUpload()
	item.BeginProcessing("doc-1", "http://example/events")
	if err := blobs.Put(item.BlobKey, []byte("0123456789")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	s.HandleMonitorEvent(item.ID, ingest.StatusEvent{Status: "embedding"})
	fetched, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != "embedding" || fetched.StageProgress != 50 {
		t.Fatalf("unexpected state: stage=%q progress=%v", fetched.CurrentStage, fetched.StageProgress)
	}

	s.HandleMonitorEvent(item.ID, ingest.StatusEvent{Status: "ready"})
	fetched, err = store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != queue.StatusReady {
		t.Fatalf("expected ready, got %s", fetched.Status)
	}
	ok, err := blobs.Has(item.BlobKey)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Fatal("expected blob to be deleted on success")
	}

	// A stale event after the terminal state changes nothing.
	s.HandleMonitorEvent(item.ID, ingest.StatusEvent{Status: "embedding"})
	fetched, err = store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != queue.StatusReady {
		t.Fatalf("stale event reverted status to %s", fetched.Status)
	}
}
