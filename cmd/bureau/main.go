package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Provider credentials and machine-local settings may live in .env
	// next to the binary's working directory. A missing file is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bureau",
	Short: "Bureau - File-backed orchestrator for a company of AI agents",
	Long: `Bureau runs a company of AI agents over plain files: launches
worker CLIs as child processes, records everything they do in
hash-chained event logs, projects the state into a local SQLite index,
and gates every sensitive write behind policy and human approval.

The control plane speaks line-delimited JSON-RPC on stdio; state lives
in one workspace directory you can read, diff, and back up.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
		metrics.SetVersion(Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bureau version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Log JSON lines to stderr instead of console format")

	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(indexCmd)
}

// Workspace commands
var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspace directories",
}

var workspaceInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new workspace",
	Long: `Initialize a workspace directory with the canonical layout:
company and org registries, the work tree for projects, and the
reviews queue. Fails if the directory already holds a workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		companyID, _ := cmd.Flags().GetString("company-id")
		name, _ := cmd.Flags().GetString("name")
		orgMode, _ := cmd.Flags().GetString("org-mode")
		projectID, _ := cmd.Flags().GetString("project")

		ws, err := workspace.Init(dir, &types.Company{
			CompanyID: companyID,
			Name:      name,
			OrgMode:   types.OrgMode(orgMode),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize workspace: %w", err)
		}
		fmt.Printf("✓ Workspace initialized at %s\n", ws.Root())

		if projectID != "" {
			if err := ws.CreateProjectWithDefaults(&types.Project{
				ProjectID: projectID,
				Name:      projectID,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}
			fmt.Printf("✓ Project %s created\n", projectID)
		}
		return nil
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceInitCmd)

	workspaceInitCmd.Flags().String("dir", ".", "Workspace directory")
	workspaceInitCmd.Flags().String("company-id", "", "Company identifier")
	workspaceInitCmd.Flags().String("name", "", "Company display name")
	workspaceInitCmd.Flags().String("org-mode", string(types.OrgModeStartupV1), "Org mode (startup_v1 or enterprise_v1)")
	workspaceInitCmd.Flags().String("project", "", "Also create this project with default files")
	workspaceInitCmd.MarkFlagRequired("company-id")
	workspaceInitCmd.MarkFlagRequired("name")
}
