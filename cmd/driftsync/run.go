package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine in the foreground",
	Long: `Run starts the engine against the configured sync root and keeps
it running until interrupted. Ctrl-C stops it gracefully; in-flight
transfers are persisted and resumed on the next run.`,
	Example: `  driftsync run
  driftsync run --config ./driftsync.yaml -v`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sub, cancelSub := eng.Events().Subscribe()
	defer cancelSub()
	go reportEvents(sub)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	printInfo("Syncing %s", cfg.Storage.RootDir)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printWarning("Interrupted, stopping...")
			return eng.Stop()
		case <-ticker.C:
			// The engine stops itself when the sync root is lost.
			if eng.Status() == engine.StatusStopped {
				return nil
			}
		}
	}
}

func reportEvents(sub <-chan events.Event) {
	for evt := range sub {
		switch evt.Type {
		case events.PairSynced:
			if verbose && !jsonOutput {
				printSuccess("synced   %s", evt.LocalPath)
			}
		case events.PairConflicted:
			printWarning("conflict %s (resolve with: driftsync resolve %d)",
				evt.LocalPath, evt.PairID)
		case events.PairError:
			printError("error    %s: %s", evt.LocalPath, evt.Error)
		case events.SessionProgress:
			if verbose && !jsonOutput {
				printInfo("session %d: %v/%v",
					evt.SessionID, evt.Details["uploaded"], evt.Details["total"])
			}
		case events.RootLost:
			printError("sync root lost, stopping")
		case events.CredentialsInvalid:
			printError("credentials rejected by the server, engine paused")
		}

		if jsonOutput {
			printJSON(evt)
		}
	}
}
