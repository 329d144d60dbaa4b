package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"uploadq/internal/blobstore"
	"uploadq/internal/config"
	"uploadq/internal/progress"
	"uploadq/internal/queue"
)

func newListCommand(cmdCtx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				statuses, err := parseStatusFilters(listStatuses)
				if err != nil {
					return err
				}
				items, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						shortID(item.ID),
						item.FileName,
						formatSize(item.FileSize),
						string(item.Status),
						formatItemProgress(item, cfg.Queue.UploadWeight),
						item.CurrentStage,
						item.ErrorMessage,
					})
				}
				writeRows(cmd.OutOrStdout(), []column{
					{title: "ID"},
					{title: "File"},
					{title: "Size", right: true},
					{title: "Status"},
					{title: "Progress", right: true},
					{title: "Stage"},
					{title: "Error"},
				}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by status (repeatable)")
	return cmd
}

func newStatusCommand(cmdCtx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				open, err := store.IsOpen(cmd.Context())
				if err != nil {
					return err
				}
				panel := "closed"
				if open {
					panel = "open"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Status panel: %s\n", panel)

				items, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				summary := progress.Aggregate(items, cfg.Queue.UploadWeight)
				fmt.Fprintf(cmd.OutOrStdout(), "Overall progress: %.1f%%\n", summary.Percent)

				rows := make([][]string, 0, len(summary.Counts))
				for _, status := range queue.AllStatuses() {
					if count := summary.Counts[status]; count > 0 {
						rows = append(rows, []string{string(status), fmt.Sprintf("%d", count)})
					}
				}
				writeRows(cmd.OutOrStdout(), []column{
					{title: "Status"},
					{title: "Count", right: true},
				}, rows)
				return nil
			})
		},
	}

	cmd.AddCommand(newStatusPanelCommand(cmdCtx, true))
	cmd.AddCommand(newStatusPanelCommand(cmdCtx, false))
	return cmd
}

// newStatusPanelCommand persists the client UI's panel visibility so it
// survives restarts of both the app and the daemon.
func newStatusPanelCommand(cmdCtx *commandContext, open bool) *cobra.Command {
	use, short, outcome := "open", "Mark the status panel open", "opened"
	if !open {
		use, short, outcome = "close", "Mark the status panel closed", "closed"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				if err := store.SetOpen(cmd.Context(), open); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Status panel %s\n", outcome)
				return nil
			})
		},
	}
}

func newRetryCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed, interrupted, or missing-file item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				item, err := resolveItem(cmd, store, args[0])
				if err != nil {
					return err
				}
				if !item.Status.IsFailure() {
					return fmt.Errorf("item %s is %s; only failed, interrupted, or missing_file items can be retried", shortID(item.ID), item.Status)
				}

				client, err := cmdCtx.dialDaemon(cfg)
				if err != nil {
					return err
				}
				if client != nil {
					defer client.Close()
					resp, err := client.Retry(item.ID)
					if err != nil {
						return err
					}
					if resp.Status == string(queue.StatusMissingFile) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: stored bytes are gone; re-add the file\n", shortID(item.ID))
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", shortID(item.ID))
					}
					return nil
				}

				ok, err := blobs.Has(item.BlobKey)
				if err != nil {
					return err
				}
				if ok {
					item.ResetForRetry()
				} else {
					item.SetMissingFile()
				}
				if err := store.Update(cmd.Context(), item); err != nil {
					return err
				}

				if item.Status == queue.StatusMissingFile {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: stored bytes are gone; re-add the file\n", shortID(item.ID))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", shortID(item.ID))
				}
				return nil
			})
		},
	}
}

func newRemoveCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an item and delete its stored bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				item, err := resolveItem(cmd, store, args[0])
				if err != nil {
					return err
				}

				// The daemon must handle removal of items it is uploading or
				// monitoring; deleting the row out from under it would let
				// the upload finish into an orphaned server document.
				client, err := cmdCtx.dialDaemon(cfg)
				if err != nil {
					return err
				}
				if client != nil {
					defer client.Close()
					resp, err := client.Remove(item.ID)
					if err != nil {
						return err
					}
					if !resp.Removed {
						return fmt.Errorf("no item matches %q", args[0])
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", shortID(item.ID))
					return nil
				}

				if err := blobs.Delete(item.BlobKey); err != nil {
					return err
				}
				if _, err := store.Remove(cmd.Context(), item.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", shortID(item.ID))
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
}

func newClearCommand(cmdCtx *commandContext) *cobra.Command {
	var failedOnly bool
	var all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !failedOnly && !all {
				return errors.New("pass --failed or --all")
			}
			return cmdCtx.withStores(func(cfg *config.Config, store *queue.Store, blobs *blobstore.Store) error {
				client, err := cmdCtx.dialDaemon(cfg)
				if err != nil {
					return err
				}
				if client != nil {
					defer client.Close()
					resp, err := client.Clear(failedOnly)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cleared %d item(s)\n", resp.Removed)
					return nil
				}

				items, err := store.List(cmd.Context())
				if err != nil {
					return err
				}

				var cleared int64
				for _, item := range items {
					if failedOnly && !item.Status.IsFailure() {
						continue
					}
					if err := blobs.Delete(item.BlobKey); err != nil {
						return err
					}
				}
				if failedOnly {
					cleared, err = store.ClearFailed(cmd.Context())
				} else {
					cleared, err = store.Clear(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d item(s)\n", cleared)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Clear only failure-family items")
	cmd.Flags().BoolVar(&all, "all", false, "Clear every item")
	return cmd
}

// resolveItem accepts either a full item id or an unambiguous prefix.
func resolveItem(cmd *cobra.Command, store *queue.Store, ref string) (*queue.Item, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("item id is required")
	}

	item, err := store.GetByID(cmd.Context(), ref)
	if err != nil {
		return nil, err
	}
	if item != nil {
		return item, nil
	}

	items, err := store.List(cmd.Context())
	if err != nil {
		return nil, err
	}
	var match *queue.Item
	for _, candidate := range items {
		if strings.HasPrefix(candidate.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("id prefix %q is ambiguous", ref)
			}
			match = candidate
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no item matches %q", ref)
	}
	return match, nil
}

func parseStatusFilters(values []string) ([]queue.Status, error) {
	statuses := make([]queue.Status, 0, len(values))
	for _, value := range values {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
