package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/services/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the store for duplicates and untracked documents",
	Long: `Audit lists every document in the store and compares it with the state
file. It reports paths with more than one document, documents without path
metadata, documents that are not active, state entries whose document is
gone and documents the state file does not know about.

Audit never changes the store or the state file.`,
	Example: `  kbsync audit
  kbsync audit --store fileSearchStores/abc123 --json`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var auditStore string

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVarP(&auditStore, "store", "s", "",
		"Store resource name (overrides store.id)")
}

var errAuditProblems = errors.New("audit found problems")

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	store, err := c.ResolveStore(ctx, auditStore)
	if err != nil {
		return fmt.Errorf("resolve store: %w", err)
	}

	report, err := c.Audit.Audit(ctx, store.Name)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"healthy": report.Healthy(),
			"report":  report,
		})
	} else {
		printReport(report)
	}

	if !report.Healthy() {
		return errAuditProblems
	}
	return nil
}

func printReport(r *audit.Report) {
	fmt.Printf("\nStore %s\n", r.StoreID)
	fmt.Printf("   Documents:    %d\n", r.Total)
	fmt.Printf("   Unique paths: %d\n", r.UniquePaths)

	if len(r.Sections) > 0 {
		fmt.Println("   Sections:")
		for _, name := range sortedKeys(r.Sections) {
			fmt.Printf("      %-20s %d\n", name, r.Sections[name])
		}
	}

	if len(r.Duplicates) > 0 {
		warningColor.Printf("\nDuplicate paths (%d):\n", len(r.Duplicates))
		for _, path := range sortedKeys(r.Duplicates) {
			fmt.Printf("   %s\n", path)
			for _, name := range r.Duplicates[path] {
				dimColor.Printf("      %s\n", name)
			}
		}
	}

	printList("Documents without path metadata", r.MissingPath)

	if len(r.NonActive) > 0 {
		warningColor.Printf("\nDocuments not active (%d):\n", len(r.NonActive))
		for _, name := range sortedKeys(r.NonActive) {
			fmt.Printf("   %s %s\n", name, r.NonActive[name])
		}
	}

	printList("State entries without a document", r.Stale)
	printList("Documents missing from state", r.Orphans)

	if len(r.Degraded) > 0 {
		infoColor.Printf("\nMatched by content, state holds no document id (%d):\n", len(r.Degraded))
		for _, path := range sortedKeys(r.Degraded) {
			fmt.Printf("   %s\n", path)
			dimColor.Printf("      %s\n", r.Degraded[path])
		}
	}

	if r.Healthy() {
		printSuccess("\nStore is healthy")
	}
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	warningColor.Printf("\n%s (%d):\n", title, len(items))
	for _, item := range items {
		fmt.Printf("   %s\n", item)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
