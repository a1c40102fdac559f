package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or move the sync state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the tracked documents",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the sync state to another backend",
	Long: `Migrate copies the snapshot from the configured backend to another one.
The source is left untouched; point state.backend at the destination
afterwards.`,
	Example: `  kbsync state migrate --to sqlite
  kbsync state migrate --to s3 --s3-bucket my-bucket
  kbsync state migrate --from sqlite --to json --path sync_state.json`,
	Args: cobra.NoArgs,
	RunE: runStateMigrate,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget every tracked document",
	Long: `Reset removes the snapshot. The next sync uploads every document again
without deleting the old copies; combine it with sync --reset to start
from an empty store.`,
	Args: cobra.NoArgs,
	RunE: runStateReset,
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Put back the state saved before the last sync",
	Long: `Restore replaces the JSON state file with the backup written by the
previous save. A corrupt state file is otherwise ignored and the next
sync starts from an empty snapshot.`,
	Args: cobra.NoArgs,
	RunE: runStateRestore,
}

var (
	migrateFrom     string
	migrateTo       string
	migratePath     string
	migrateBucket   string
	migrateKey      string
	migrateRegion   string
	stateResetForce bool
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateMigrateCmd, stateResetCmd, stateRestoreCmd)

	stateMigrateCmd.Flags().StringVar(&migrateFrom, "from", "",
		"Source backend (default: state.backend)")
	stateMigrateCmd.Flags().StringVar(&migrateTo, "to", "",
		"Destination backend: json, sqlite, s3 (required)")
	stateMigrateCmd.Flags().StringVar(&migratePath, "path", "",
		"Destination file for json or sqlite")
	stateMigrateCmd.Flags().StringVar(&migrateBucket, "s3-bucket", "",
		"Destination bucket for s3")
	stateMigrateCmd.Flags().StringVar(&migrateKey, "s3-key", "",
		"Destination object key for s3")
	stateMigrateCmd.Flags().StringVar(&migrateRegion, "s3-region", "",
		"Destination region for s3")
	_ = stateMigrateCmd.MarkFlagRequired("to")

	stateResetCmd.Flags().BoolVarP(&stateResetForce, "force", "f", false,
		"Required to confirm the reset")
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := state.LoadOrEmpty(ctx, store, logger)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"location": store.Location(),
			"entries":  snap,
		})
		return nil
	}

	fmt.Printf("State %s (%d documents)\n\n", store.Location(), snap.Len())
	for _, path := range snap.Paths() {
		entry, _ := snap.Get(path)
		remote := entry.RemoteID
		if remote == "" {
			remote = dimColor.Sprint("(unknown)")
		}
		fmt.Printf("   %-50s %.12s  %s\n", path, entry.Fingerprint, remote)
	}
	return nil
}

// migrateTarget builds the destination state config from the flags.
func migrateTarget() (config.StateConfig, error) {
	dst := cfg.State
	dst.Backend = migrateTo

	switch migrateTo {
	case config.BackendJSON:
		if migratePath != "" {
			dst.Path = migratePath
		}
	case config.BackendSQLite:
		if migratePath != "" {
			dst.SQLitePath = migratePath
		}
	case config.BackendS3:
		if migrateBucket != "" {
			dst.S3Bucket = migrateBucket
		}
		if migrateKey != "" {
			dst.S3Key = migrateKey
		}
		if migrateRegion != "" {
			dst.S3Region = migrateRegion
		}
		if dst.S3Bucket == "" {
			return dst, fmt.Errorf("--s3-bucket is required for the s3 backend")
		}
	default:
		return dst, fmt.Errorf("unknown backend: %s", migrateTo)
	}

	return dst, nil
}

func runStateMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	srcCfg := cfg.State
	if migrateFrom != "" {
		srcCfg.Backend = migrateFrom
	}
	dstCfg, err := migrateTarget()
	if err != nil {
		return err
	}

	src, err := state.Open(ctx, srcCfg, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := state.Open(ctx, dstCfg, logger)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	if src.Location() == dst.Location() {
		return fmt.Errorf("source and destination are the same: %s", src.Location())
	}

	n, err := state.Migrate(ctx, src, dst, logger)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"from":    src.Location(),
			"to":      dst.Location(),
			"entries": n,
		})
		return nil
	}

	printSuccess("Copied %d entries from %s to %s", n, src.Location(), dst.Location())
	printInfo("Set state.backend to %q to use it", dstCfg.Backend)
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	if !stateResetForce {
		return fmt.Errorf("refusing to reset without --force")
	}

	ctx := cmd.Context()

	store, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(ctx); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"reset": store.Location()})
		return nil
	}
	printSuccess("Removed state at %s", store.Location())
	return nil
}

func runStateRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	jsonStore, ok := store.(*state.JSONStore)
	if !ok {
		return fmt.Errorf("restore needs the json backend, not %s", cfg.State.Backend)
	}

	snap, err := jsonStore.RestoreBackup(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"restored": store.Location(),
			"entries":  snap.Len(),
		})
		return nil
	}
	printSuccess("Restored %d entries to %s", snap.Len(), store.Location())
	return nil
}
