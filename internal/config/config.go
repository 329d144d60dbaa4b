package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Ingest contains configuration for the backend ingestion service.
type Ingest struct {
	// UploadURL receives the multipart file upload.
	UploadURL string `toml:"upload_url"`
	// StatusURL is the base endpoint for per-document status lookups.
	StatusURL string `toml:"status_url"`
	// TicketURL issues short-lived monitor credentials. Optional; when empty
	// the push channel connects without a ticket.
	TicketURL string `toml:"ticket_url"`
	// AuthToken is the long-lived API credential sent on authenticated calls.
	AuthToken string `toml:"auth_token"`
	// RequestTimeout bounds status/ticket calls, in seconds. Uploads are not
	// locally bounded.
	RequestTimeout int `toml:"request_timeout"`
}

// Queue contains scheduling and monitoring cadence settings.
type Queue struct {
	// MaxActiveUploads caps simultaneous uploads. Processing items are not
	// throttled locally.
	MaxActiveUploads int `toml:"max_active_uploads"`
	// PollInterval is the status polling fallback cadence, in seconds.
	PollInterval int `toml:"poll_interval"`
	// UploadWeight is the share of an item's overall progress attributed to
	// the upload phase; the remainder covers server-side processing.
	UploadWeight float64 `toml:"upload_weight"`
}

// Config encapsulates all configuration values for uploadq.
type Config struct {
	Paths  Paths  `toml:"paths"`
	Ingest Ingest `toml:"ingest"`
	Queue  Queue  `toml:"queue"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/uploadq/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// ExpandPath expands a leading ~ and returns an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return is
// the resolved config path; the third reports whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("uploadq.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	c.Ingest.UploadURL = strings.TrimSpace(c.Ingest.UploadURL)
	c.Ingest.StatusURL = strings.TrimRight(strings.TrimSpace(c.Ingest.StatusURL), "/")
	c.Ingest.TicketURL = strings.TrimSpace(c.Ingest.TicketURL)
	c.Ingest.AuthToken = strings.TrimSpace(c.Ingest.AuthToken)

	if c.Ingest.RequestTimeout <= 0 {
		c.Ingest.RequestTimeout = defaultRequestTimeout
	}
	if c.Queue.MaxActiveUploads <= 0 {
		c.Queue.MaxActiveUploads = defaultMaxActiveUploads
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultPollInterval
	}
	if c.Queue.UploadWeight <= 0 || c.Queue.UploadWeight >= 1 {
		c.Queue.UploadWeight = defaultUploadWeight
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Ingest.UploadURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/uploadq/config.toml"
		}
		return fmt.Errorf("ingest.upload_url is required; edit %s (create with 'uploadq config init')", defaultPath)
	}
	if c.Ingest.StatusURL == "" {
		return errors.New("ingest.status_url is required for the polling fallback")
	}
	if c.Queue.MaxActiveUploads > 16 {
		return errors.New("queue.max_active_uploads must be 16 or fewer")
	}
	return nil
}

// EnsureDirectories creates the directories required for operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.BlobDir(), c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// BlobDir returns the directory holding persisted file bytes.
func (c *Config) BlobDir() string {
	if c.Paths.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Paths.DataDir, "blobs")
}

// QueueDBPath returns the SQLite database location.
func (c *Config) QueueDBPath() string {
	if c.Paths.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	if c.Paths.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Paths.DataDir, "uploadq.sock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
