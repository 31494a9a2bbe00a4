package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/workspace"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify event log hash chains",
	Long: `Walk run event logs and check every line: payload hash, prev_hash
chain continuity, monotonic timestamps and event id uniqueness. With
--project and --run a single log is checked; drop --run to check every
run in the project, drop both to check the whole workspace.

Exits nonzero when any log fails verification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("workspace")
		projectID, _ := cmd.Flags().GetString("project")
		runID, _ := cmd.Flags().GetString("run")

		if runID != "" && projectID == "" {
			return fmt.Errorf("--run requires --project")
		}

		ws, err := workspace.Open(dir)
		if err != nil {
			return fmt.Errorf("failed to open workspace: %w", err)
		}

		projects := []string{projectID}
		if projectID == "" {
			projects, err = ws.ListProjectIDs()
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
		}

		checked := 0
		failed := 0
		for _, pid := range projects {
			runs := []string{runID}
			if runID == "" {
				runs, err = ws.ListRunIDs(pid)
				if err != nil {
					return fmt.Errorf("failed to list runs in %s: %w", pid, err)
				}
			}
			for _, rid := range runs {
				path := ws.EventsPath(pid, rid)
				records, issues, err := eventlog.VerifyFile(path)
				if err != nil {
					if errdefs.IsNotFound(err) && runID == "" {
						// A run dir without an events file has simply
						// never emitted anything.
						continue
					}
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				checked++
				if len(issues) == 0 {
					fmt.Printf("✓ %s/%s: %d events, chain intact\n", pid, rid, len(records))
					continue
				}
				failed++
				fmt.Printf("✗ %s/%s: %d events, %d issue(s)\n", pid, rid, len(records), len(issues))
				for _, is := range issues {
					if is.EventID != "" {
						fmt.Printf("    line %d [%s] event %s: %s\n", is.Line, is.Code, is.EventID, is.Detail)
					} else {
						fmt.Printf("    line %d [%s]: %s\n", is.Line, is.Code, is.Detail)
					}
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d log(s) failed verification", failed, checked)
		}
		if checked == 0 {
			fmt.Println("No event logs found")
			return nil
		}
		fmt.Printf("✓ All %d log(s) verified\n", checked)
		return nil
	},
}

func init() {
	verifyCmd.Flags().String("workspace", ".", "Workspace directory")
	verifyCmd.Flags().String("project", "", "Restrict to one project")
	verifyCmd.Flags().String("run", "", "Restrict to one run (requires --project)")
}
