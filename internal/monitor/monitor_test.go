package monitor_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"uploadq/internal/ingest"
	"uploadq/internal/logging"
	"uploadq/internal/monitor"
	"uploadq/internal/queue"
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

// fakeBackend serves status polls and the push ticket endpoint.
type fakeBackend struct {
	mu       sync.Mutex
	statuses map[string]ingest.StatusEvent
}

func (f *fakeBackend) setStatus(remoteID string, event ingest.StatusEvent) {
	f.mu.Lock()
	f.statuses[remoteID] = event
	f.mu.Unlock()
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/ticket", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ticket":"tkt"}`)
	})
	mux.HandleFunc("GET /api/documents/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		event, ok := f.statuses[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"status":%q}`, event.Status)
	})
	return mux
}

func TestPollingDeliversEventsAndStopsWhenIdle(t *testing.T) {
	backend := &fakeBackend{statuses: make(map[string]ingest.StatusEvent)}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithIngestBase(srv.URL))
	store := testsupport.MustOpenStore(t, cfg)
	client := ingest.NewClient(cfg)

	ctx := context.Background()
	item := queue.NewItem(queue.FileMeta{Name: "doc.pdf", Size: 10})
	item.BeginUpload()
	item.BeginProcessing("remote-1", srv.URL+"/api/documents/status/remote-1/events")
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	backend.setStatus("remote-1", ingest.StatusEvent{Status: "embedding"})

	var mu sync.Mutex
	received := make(map[string][]ingest.StatusEvent)

	m := monitor.New(store, client, logging.NewNop(), 10*time.Millisecond)
	t.Cleanup(m.Stop)
	m.SetHandler(func(itemID string, event ingest.StatusEvent) {
		mu.Lock()
		received[itemID] = append(received[itemID], event)
		mu.Unlock()
	})

	m.EnsurePolling(ctx)
	if !m.Polling() {
		t.Fatal("expected poll loop to be running")
	}
	// Redundant start requests are absorbed.
	m.EnsurePolling(ctx)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received[item.ID]) > 0
	}, "expected a polled status event")

	mu.Lock()
	first := received[item.ID][0]
	mu.Unlock()
	if first.Status != "embedding" {
		t.Fatalf("unexpected event %#v", first)
	}

	// Once nothing is processing the loop retires itself.
	item.SetReady()
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return !m.Polling() }, "expected poll loop to stop")
}

func TestAttachRequiresRemoteIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	client := ingest.NewClient(cfg)

	m := monitor.New(store, client, logging.NewNop(), time.Second)
	t.Cleanup(m.Stop)
	m.SetHandler(func(string, ingest.StatusEvent) {})

	item := queue.NewItem(queue.FileMeta{Name: "doc.pdf", Size: 10})
	m.Attach(context.Background(), item)
	if m.Subscribed(item.ID) {
		t.Fatal("item without a remote id must not be attached")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	client := ingest.NewClient(cfg)

	m := monitor.New(store, client, logging.NewNop(), time.Second)
	t.Cleanup(m.Stop)

	m.Detach("never-attached")
	m.Detach("never-attached")
}
