package main

import (
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pair counts and pending work",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	metrics, err := eng.Metrics()
	if err != nil {
		return err
	}
	sessions, err := eng.Sessions()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"metrics":  metrics,
			"sessions": sessions,
		})
		return nil
	}

	printInfo("Sync root: %s", cfg.Storage.RootDir)

	total := 0
	for _, n := range metrics.Pairs {
		total += n
	}
	printInfo("Tracked pairs: %d", total)

	order := []models.PairState{
		models.PairSynchronized,
		models.PairConflicted,
		models.PairUnsynchronized,
	}
	for _, state := range order {
		if n := metrics.Pairs[state]; n > 0 {
			printInfo("  %-16s %d", state, n)
		}
	}
	pending := total
	for _, state := range order {
		pending -= metrics.Pairs[state]
	}
	if n := metrics.Pairs[models.PairUnknown]; n > 0 {
		pending -= n
	}
	if pending > 0 {
		printWarning("  %-16s %d", "pending", pending)
	}

	for _, sess := range sessions {
		printInfo("Session %d: %d/%d items (%s)",
			sess.UID, sess.UploadedItems, sess.TotalItems, sess.Status)
	}
	return nil
}
