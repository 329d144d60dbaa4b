package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/queue"
)

func newAddCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <file> [file...]",
		Short: "Enqueue files for upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				paths := make([]string, 0, len(args))
				for _, arg := range args {
					path, err := filepath.Abs(arg)
					if err != nil {
						return fmt.Errorf("resolve %s: %w", arg, err)
					}
					info, err := os.Stat(path)
					if err != nil {
						return fmt.Errorf("stat %s: %w", arg, err)
					}
					if info.IsDir() {
						return fmt.Errorf("%s is a directory", arg)
					}
					paths = append(paths, path)
				}

				// A running daemon owns the scheduler, so enqueueing must go
				// through it; it reads the files itself.
				client, err := cmdCtx.dialDaemon(cfg)
				if err != nil {
					return err
				}
				if client != nil {
					defer client.Close()
					resp, err := client.Enqueue(paths)
					if err != nil {
						return err
					}
					for _, enqueued := range resp.Items {
						fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", enqueued.FileName, shortID(enqueued.ID))
					}
					return nil
				}

				for _, path := range paths {
					info, err := os.Stat(path)
					if err != nil {
						return fmt.Errorf("stat %s: %w", path, err)
					}
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read %s: %w", path, err)
					}

					item := queue.NewItem(queue.FileMeta{
						Name:       filepath.Base(path),
						Size:       info.Size(),
						MimeType:   mime.TypeByExtension(filepath.Ext(path)),
						ModifiedAt: info.ModTime(),
					})
					if err := blobs.Put(item.BlobKey, data); err != nil {
						return err
					}
					if err := store.Insert(cmd.Context(), item); err != nil {
						_ = blobs.Delete(item.BlobKey)
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", item.FileName, shortID(item.ID))
				}
				return nil
			})
		},
	}
}
