package testsupport

import (
	"testing"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/queue"
)

// MustOpenStore opens the queue store for tests, closing it on cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenBlobs opens the blob store for tests.
func MustOpenBlobs(t testing.TB, cfg *config.Config) *blobstore.Store {
	t.Helper()

	blobs, err := blobstore.Open(cfg)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	return blobs
}
