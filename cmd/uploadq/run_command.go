package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/daemon"
	"uploadq/internal/ipc"
	"uploadq/internal/logging"
	"uploadq/internal/queue"
)

func newRunCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				logger, err := logging.NewFromConfig(cfg)
				if err != nil {
					return err
				}

				d, err := daemon.New(cfg, store, blobs, logger)
				if err != nil {
					return err
				}
				defer d.Close()

				if err := d.Start(ctx); err != nil {
					return err
				}

				srv, err := ipc.NewServer(ctx, cmdCtx.socketPath(cfg), d, logger)
				if err != nil {
					d.Stop()
					return err
				}
				srv.Serve()

				<-ctx.Done()
				srv.Close()
				d.Stop()
				return nil
			})
		},
	}
}
