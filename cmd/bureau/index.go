package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/workspace"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the projection index for a workspace",
	Long: `Rebuild the SQLite projection index from the canonical files.
The index lives at .local/index.db inside the workspace and is
disposable: a rebuild drops every projected row and rescans the
registries, work tree, and event logs from scratch.

Use --sync for an incremental pass that only rescans files whose
size or mtime changed since the last projection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("workspace")
		syncOnly, _ := cmd.Flags().GetBool("sync")

		ws, err := workspace.Open(dir)
		if err != nil {
			return fmt.Errorf("failed to open workspace: %w", err)
		}

		ix := index.New()
		defer ix.Close()

		var report *index.Report
		if syncOnly {
			report, err = ix.Sync(ws)
		} else {
			report, err = ix.Rebuild(ws)
		}
		if err != nil {
			return fmt.Errorf("index projection failed: %w", err)
		}

		fmt.Printf("✓ Index %s complete in %dms\n", report.Kind, report.DurationMs)
		fmt.Printf("  Files scanned: %d\n", report.FilesScanned)
		fmt.Printf("  Files changed: %d\n", report.FilesChanged)
		fmt.Printf("  Events added:  %d\n", report.EventsAdded)
		if report.RowsDeleted > 0 {
			fmt.Printf("  Rows deleted:  %d\n", report.RowsDeleted)
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().String("workspace", ".", "Workspace directory")
	indexCmd.Flags().Bool("sync", false, "Incremental sync instead of a full rebuild")
}
