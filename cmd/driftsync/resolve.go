package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var resolveKeep string

var resolveCmd = &cobra.Command{
	Use:   "resolve <pair-id>",
	Short: "Settle a conflicted pair",
	Long: `Resolve settles a conflict listed by 'driftsync conflicts'.
--keep local uploads the local version, --keep remote downloads the
remote one, --keep both renames the local file to a conflict copy and
downloads the remote version beside it.`,
	Example: `  driftsync resolve 42 --keep local
  driftsync resolve 42 --keep both`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveKeep, "keep", "k", "",
		"Which version to keep: local, remote or both (required)")
	_ = resolveCmd.MarkFlagRequired("keep")
}

func runResolve(cmd *cobra.Command, args []string) error {
	pairID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pair id %q", args[0])
	}

	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	switch resolveKeep {
	case "local":
		err = eng.ResolveWithLocal(pairID)
	case "remote":
		err = eng.ResolveWithRemote(pairID)
	case "both":
		err = eng.ResolveKeepBoth(context.Background(), pairID)
	default:
		return fmt.Errorf("--keep must be local, remote or both, got %q", resolveKeep)
	}
	if err != nil {
		return err
	}

	printSuccess("Pair %d resolved, the change syncs on the next run", pairID)
	return nil
}
