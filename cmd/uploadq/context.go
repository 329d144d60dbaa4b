package main

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/ipc"
	"uploadq/internal/queue"
)

// commandContext carries lazily loaded configuration shared across commands.
type commandContext struct {
	configFlag *string
	socketFlag *string
	cfg        *config.Config
	cfgPath    string
}

func newCommandContext(configFlag, socketFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, socketFlag: socketFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolved, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolved
	return cfg, nil
}

// socketPath resolves the daemon control socket, preferring the flag.
func (c *commandContext) socketPath(cfg *config.Config) string {
	if c.socketFlag != nil && strings.TrimSpace(*c.socketFlag) != "" {
		return *c.socketFlag
	}
	return cfg.SocketPath()
}

// dialDaemon connects to the control socket of a running daemon. A nil client
// with nil error means no daemon is reachable; the caller falls back to
// operating on the stores directly.
func (c *commandContext) dialDaemon(cfg *config.Config) (*ipc.Client, error) {
	client, err := ipc.Dial(c.socketPath(cfg))
	if err != nil {
		if daemonUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}

func daemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// withStores opens the queue and blob stores for the duration of fn.
func (c *commandContext) withStores(fn func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := blobstore.Open(cfg)
	if err != nil {
		return err
	}
	return fn(cfg, store, blobs)
}
