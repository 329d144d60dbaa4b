package blobstore_test

import (
	"bytes"
	"testing"

	"uploadq/internal/testsupport"
)

func TestPutGetRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	payload := []byte("hello blob")
	if err := blobs.Put("key-1", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, ok, err := blobs.Get("key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected blob to exist")
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: %q", data)
	}
}

func TestPutOverwritesExisting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	if err := blobs.Put("key-1", []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := blobs.Put("key-1", []byte("second")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, ok, err := blobs.Get("key-1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(data) != "second" {
		t.Fatalf("expected replacement content, got %q", data)
	}
}

func TestGetMissingBlob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	data, ok, err := blobs.Get("absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok || data != nil {
		t.Fatalf("expected ok=false for missing blob, got ok=%v data=%q", ok, data)
	}
}

func TestHasAndDelete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	if err := blobs.Put("key-1", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ok, err := blobs.Has("key-1")
	if err != nil || !ok {
		t.Fatalf("Has failed: ok=%v err=%v", ok, err)
	}

	if err := blobs.Delete("key-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = blobs.Has("key-1")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Fatal("expected blob to be gone")
	}

	// Absent delete is a no-op.
	if err := blobs.Delete("key-1"); err != nil {
		t.Fatalf("Delete of absent blob failed: %v", err)
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		if err := blobs.Put(key, []byte("x")); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
