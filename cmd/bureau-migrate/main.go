package main

import (
	"flag"
	"log"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/workspace"
)

var (
	workspaceDir = flag.String("workspace", ".", "Workspace directory to migrate")
	force        = flag.Bool("force", false, "Re-run the migration even if it is recorded as applied")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Bureau Workspace Migration Tool - Event Envelope Backfill")
	log.Println("=========================================================")

	ws, err := workspace.Open(*workspaceDir)
	if err != nil {
		log.Fatalf("Failed to open workspace: %v", err)
	}
	if _, err := ws.LoadCompany(); err != nil {
		log.Fatalf("Not an initialized workspace at %s: %v", ws.Root(), err)
	}

	log.Printf("Workspace: %s", ws.Root())
	log.Printf("Migration: %s", eventlog.BackfillMigrationID)
	log.Printf("Force: %v", *force)

	report, err := eventlog.BackfillEnvelopes(ws, *force)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if report.AlreadyApplied {
		log.Println("✓ Migration already applied, nothing to do (use -force to re-run)")
		return
	}

	log.Printf("Files scanned: %d", report.FilesScanned)
	log.Printf("Files migrated: %d", report.FilesMigrated)
	log.Printf("Lines assigned envelopes: %d", report.LinesAssigned)
	for _, skipped := range report.SkippedFiles {
		log.Printf("  skipped (unparseable): %s", skipped)
	}

	if report.FilesMigrated == 0 {
		log.Println("✓ All event logs already carry envelopes")
	} else {
		log.Println("✓ Migration completed successfully")
	}
}
