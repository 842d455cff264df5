package main

import (
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/models"
)

var (
	conflictsShowErrors  bool
	conflictsShowSkipped bool
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List pairs that need attention",
	Long: `Conflicts lists pairs where both sides changed and the engine will
not pick a winner. Each entry shows both versions; settle one with
'driftsync resolve'.`,
	Args: cobra.NoArgs,
	RunE: runConflicts,
}

func init() {
	rootCmd.AddCommand(conflictsCmd)

	conflictsCmd.Flags().BoolVar(&conflictsShowErrors, "errors", false,
		"Also list pairs blacklisted after repeated failures")
	conflictsCmd.Flags().BoolVar(&conflictsShowSkipped, "unsynchronized", false,
		"Also list pairs excluded by filters or remote permissions")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	conflicts, err := eng.Conflicts()
	if err != nil {
		return err
	}

	var errored, skipped []*models.Pair
	if conflictsShowErrors {
		if errored, err = eng.Errors(); err != nil {
			return err
		}
	}
	if conflictsShowSkipped {
		if skipped, err = eng.Unsynchronized(); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"conflicts":      conflicts,
			"errors":         errored,
			"unsynchronized": skipped,
		})
		return nil
	}

	if len(conflicts) == 0 {
		printSuccess("No conflicts")
	}
	for _, p := range conflicts {
		printWarning("conflict #%d %s", p.ID, p.LocalPath)
		printInfo("  local:  digest %s, modified %s", orNone(p.LocalDigest),
			p.LastLocalMtime.Format("2006-01-02 15:04:05"))
		printInfo("  remote: digest %s, modified %s (%s)", orNone(p.RemoteDigest),
			p.LastRemoteMtime.Format("2006-01-02 15:04:05"), p.RemoteRef)
	}

	for _, p := range errored {
		printError("failing #%d %s: %s (%d attempts)",
			p.ID, p.LocalPath, p.LastError, p.ErrorCount)
	}
	for _, p := range skipped {
		printInfo("skipped #%d %s", p.ID, p.LocalPath)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
