// Package testsupport provides shared helpers for package tests: temp-dir
// configs and opened stores that clean up with the test.
package testsupport

import (
	"path/filepath"
	"testing"

	"uploadq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Ingest.UploadURL = "http://127.0.0.1:0/api/documents"
	cfg.Ingest.StatusURL = "http://127.0.0.1:0/api/documents/status"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithIngestBase points all ingest endpoints at a test server base URL.
func WithIngestBase(base string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Ingest.UploadURL = base + "/api/documents"
		cfg.Ingest.StatusURL = base + "/api/documents/status"
		cfg.Ingest.TicketURL = base + "/api/auth/ticket"
	}
}

// WithMaxActiveUploads overrides the upload concurrency ceiling.
func WithMaxActiveUploads(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.MaxActiveUploads = n
	}
}
