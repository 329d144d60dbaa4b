package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"sync"

	"uploadq/internal/daemon"
	"uploadq/internal/logging"
	"uploadq/internal/queue"
	"uploadq/internal/scheduler"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Uploadq", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("control socket listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually before the next run"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Enqueue(req EnqueueRequest, resp *EnqueueResponse) error {
	if len(req.Paths) == 0 {
		return errors.New("enqueue requires at least one path")
	}

	uploads := make([]scheduler.FileUpload, 0, len(req.Paths))
	for _, path := range req.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		uploads = append(uploads, scheduler.FileUpload{
			Meta: queue.FileMeta{
				Name:       filepath.Base(path),
				Size:       info.Size(),
				MimeType:   mime.TypeByExtension(filepath.Ext(path)),
				ModifiedAt: info.ModTime(),
			},
			Data: data,
		})
	}

	items, err := s.daemon.Scheduler().Enqueue(s.ctx, uploads)
	if err != nil {
		return err
	}
	resp.Items = make([]EnqueuedItem, 0, len(items))
	for _, item := range items {
		resp.Items = append(resp.Items, EnqueuedItem{ID: item.ID, FileName: item.FileName})
	}
	s.log().Info("items enqueued via control socket",
		logging.String(logging.FieldEventType, "queue_enqueue"),
		logging.Int("item_count", len(resp.Items)))
	return nil
}

func (s *service) Retry(req RetryRequest, resp *RetryResponse) error {
	item, err := s.daemon.Scheduler().Retry(s.ctx, req.ID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("no item matches %q", req.ID)
	}
	resp.Status = string(item.Status)
	s.log().Info("item retried via control socket",
		logging.String(logging.FieldEventType, "queue_retry"),
		logging.String(logging.FieldItemID, req.ID))
	return nil
}

func (s *service) Remove(req RemoveRequest, resp *RemoveResponse) error {
	removed, err := s.daemon.Scheduler().Remove(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Removed = removed
	s.log().Info("item removed via control socket",
		logging.String(logging.FieldEventType, "queue_remove"),
		logging.String(logging.FieldItemID, req.ID))
	return nil
}

func (s *service) Clear(req ClearRequest, resp *ClearResponse) error {
	removed, err := s.daemon.Scheduler().Clear(s.ctx, req.FailedOnly)
	if err != nil {
		return err
	}
	resp.Removed = removed
	s.log().Info("queue cleared via control socket",
		logging.String(logging.FieldEventType, "queue_clear"),
		logging.Int64("removed_count", removed))
	return nil
}
