package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/client"
	"github.com/TheMichaelB/kbsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload new and changed documents to the store",
	Long: `Sync scans the local tree and reconciles the File Search store with it.

New files are uploaded, changed files replace their previous document and
removed files have their document deleted. The state file is rewritten only
after the whole pass, so an interrupted run is safe to repeat.`,
	Example: `  kbsync sync
  kbsync sync --root ./kb --store fileSearchStores/abc123
  kbsync sync --dry-run
  kbsync sync --reset --commit-state never`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncRoot        string
	syncStore       string
	syncDisplayName string
	syncReset       bool
	syncDryRun      bool
	syncCommitState string
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncRoot, "root", "r", "",
		"Local document root (overrides source.root)")
	syncCmd.Flags().StringVarP(&syncStore, "store", "s", "",
		"Store resource name, e.g. fileSearchStores/abc (overrides store.id)")
	syncCmd.Flags().StringVar(&syncDisplayName, "display-name", "",
		"Store display name used to find or create the store")
	syncCmd.Flags().BoolVar(&syncReset, "reset", false,
		"Delete every document in the store before syncing")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false,
		"Show what would change without calling the API")
	syncCmd.Flags().StringVar(&syncCommitState, "commit-state", "",
		"Commit the state file after the run: auto, always, never")
}

// applySourceFlags copies flags that change how the client is built.
func applySourceFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("root") {
		cfg.Source.Root = syncRoot
	}
	if cmd.Flags().Changed("commit-state") {
		cfg.Sync.CommitState = syncCommitState
	}
}

// syncOptions maps the per-run flags that were set explicitly.
func syncOptions(cmd *cobra.Command) sync.SyncOptions {
	opts := sync.SyncOptions{DryRun: syncDryRun}
	if cmd.Flags().Changed("store") {
		opts.StoreID = &syncStore
	}
	if cmd.Flags().Changed("display-name") {
		opts.DisplayName = &syncDisplayName
	}
	if cmd.Flags().Changed("reset") {
		opts.Reset = &syncReset
	}
	return opts
}

func runSync(cmd *cobra.Command, args []string) error {
	applySourceFlags(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	opts := syncOptions(cmd)

	if jsonOutput {
		return runSyncJSON(ctx, c, opts)
	}
	return runSyncInteractive(ctx, c, opts)
}

// signalContext is cancelled on the first interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			if !jsonOutput {
				printWarning("\nInterrupted, cancelling...")
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runSyncInteractive(ctx context.Context, c *client.Client, opts sync.SyncOptions) error {
	progress := NewProgressDisplay()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range c.Sync.Events() {
			switch event.Type {
			case sync.EventStarted:
				progress.SetPhase("Syncing")

			case sync.EventFileStarted:
				if event.Progress != nil {
					progress.Update(event.Progress.Processed, event.Progress.TotalFiles, event.Path)
				}

			case sync.EventFileComplete:
				logger.WithFields(map[string]interface{}{
					"path":   event.Path,
					"action": event.Action,
				}).Debug("Document synced")

			case sync.EventFileError:
				progress.AddError(fmt.Sprintf("%s (%s): %v", event.Path, event.Action, event.Error))

			case sync.EventCompleted:
				progress.SetPhase("Completed")

			case sync.EventFailed:
				progress.SetPhase("Failed")
			}
		}
	}()

	result, err := c.Sync.Sync(ctx, opts)

	c.Sync.Close()
	<-done
	progress.Close()

	if err != nil {
		return err
	}

	if result.DryRun {
		printPlan(result.Plan)
	}
	printSummary(result)

	if result.StoreCreated {
		printWarning("Created store %s. Set store.id (or FILE_SEARCH_STORE_NAME) to reuse it.", result.StoreID)
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d document(s) failed to upload", result.Failed)
	}

	printSuccess("Sync completed")
	return nil
}

func runSyncJSON(ctx context.Context, c *client.Client, opts sync.SyncOptions) error {
	var fileErrors []map[string]interface{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range c.Sync.Events() {
			if event.Type != sync.EventFileError {
				continue
			}
			entry := map[string]interface{}{
				"path":   event.Path,
				"action": event.Action,
			}
			if event.Error != nil {
				entry["error"] = event.Error.Error()
			}
			fileErrors = append(fileErrors, entry)
		}
	}()

	result, err := c.Sync.Sync(ctx, opts)

	c.Sync.Close()
	<-done

	output := map[string]interface{}{
		"success": err == nil && result != nil && result.Failed == 0,
	}
	if result != nil {
		output["result"] = result
	}
	if len(fileErrors) > 0 {
		output["errors"] = fileErrors
	}
	if err != nil {
		output["error"] = err.Error()
	}

	printJSON(output)

	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d document(s) failed to upload", result.Failed)
	}
	return nil
}

func printPlan(plan *sync.Plan) {
	if plan == nil {
		return
	}

	fmt.Println("\nPlan:")
	for _, item := range plan.Items {
		if item.Action == sync.ActionUnchanged {
			continue
		}
		fmt.Printf("   %-18s %s\n", item.Action, item.Path)
	}
	if !plan.HasChanges() {
		dimColor.Println("   nothing to do")
	}
}

func printSummary(result *sync.Result) {
	title := "Sync Summary"
	if result.DryRun {
		title = "Dry Run Summary"
	}

	fmt.Printf("\n%s:\n", title)
	if result.StoreID != "" {
		fmt.Printf("   Store:     %s\n", result.StoreID)
	}
	fmt.Printf("   Created:   %d\n", result.Created)
	fmt.Printf("   Updated:   %d\n", result.Updated)
	fmt.Printf("   Unchanged: %d\n", result.Unchanged)
	fmt.Printf("   Deleted:   %d\n", result.Deleted)
	if result.Purged > 0 {
		fmt.Printf("   Purged:    %d\n", result.Purged)
	}
	if result.Failed > 0 {
		errorColor.Printf("   Failed:    %d\n", result.Failed)
	}
	if result.Orphaned > 0 {
		warningColor.Printf("   Orphaned:  %d (run kbsync audit)\n", result.Orphaned)
	}
	fmt.Printf("   Duration:  %s\n", result.Duration.Round(time.Millisecond))
}
