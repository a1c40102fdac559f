package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync whenever the document tree changes",
	Long: `Watch runs a sync at start and again after every burst of changes to the
document tree. Changes are collected until the tree has been quiet for the
debounce period.`,
	Example: `  kbsync watch
  kbsync watch --root ./kb --debounce 5s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&syncRoot, "root", "r", "",
		"Local document root (overrides source.root)")
	watchCmd.Flags().StringVarP(&syncStore, "store", "s", "",
		"Store resource name (overrides store.id)")
	watchCmd.Flags().StringVar(&syncDisplayName, "display-name", "",
		"Store display name used to find or create the store")
	watchCmd.Flags().StringVar(&syncCommitState, "commit-state", "",
		"Commit the state file after each run: auto, always, never")
	watchCmd.Flags().Duration("debounce", 0,
		"Quiet period before a run (overrides watch.debounce)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	applySourceFlags(cmd)
	if cmd.Flags().Changed("debounce") {
		cfg.Watch.Debounce, _ = cmd.Flags().GetDuration("debounce")
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	w, err := watch.New(watch.Options{
		Root:       c.Sync.Root(),
		Extensions: cfg.Source.Extensions,
		Debounce:   cfg.Watch.Debounce,
		RunOnStart: true,
	}, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	opts := syncOptions(cmd)

	if !jsonOutput {
		printInfo("Watching %s (Ctrl+C to stop)", c.Sync.Root())
	}

	// The watcher runs one sync at a time, so the event channel is drained
	// only to keep it from filling.
	go func() {
		for range c.Sync.Events() {
		}
	}()

	return w.Run(ctx, func(ctx context.Context) error {
		result, err := c.Sync.Sync(ctx, opts)
		if err != nil {
			if !jsonOutput {
				printError("%v", err)
			}
			return err
		}

		if jsonOutput {
			printJSON(result)
		} else {
			printInfo("%s  %s", result.StoreID, result.String())
		}

		if result.Failed > 0 {
			return fmt.Errorf("%d document(s) failed to upload", result.Failed)
		}
		return nil
	})
}
