package main

import (
	"github.com/spf13/cobra"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage remote subtrees excluded from sync",
}

var filterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active filters",
	Args:  cobra.NoArgs,
	RunE:  runFilterList,
}

var filterAddCmd = &cobra.Command{
	Use:   "add <remote-path>",
	Short: "Exclude a remote subtree from sync",
	Long: `Add excludes a remote subtree. Already-synced entries under it stop
syncing but stay on disk. Paths are rooted at the sync root, e.g.
/archive/2019.`,
	Args: cobra.ExactArgs(1),
	RunE: runFilterAdd,
}

var filterRemoveCmd = &cobra.Command{
	Use:   "remove <remote-path>",
	Short: "Re-include a filtered subtree",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilterRemove,
}

func init() {
	rootCmd.AddCommand(filterCmd)
	filterCmd.AddCommand(filterListCmd, filterAddCmd, filterRemoveCmd)
}

func runFilterList(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	filters, err := eng.Filters()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"filters": filters})
		return nil
	}
	if len(filters) == 0 {
		printInfo("No filters")
		return nil
	}
	for _, f := range filters {
		printInfo("%s", f)
	}
	return nil
}

func runFilterAdd(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	if err := eng.AddFilter(args[0]); err != nil {
		return err
	}
	printSuccess("Filter added: %s", args[0])
	return nil
}

func runFilterRemove(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	if err := eng.RemoveFilter(args[0]); err != nil {
		return err
	}
	printSuccess("Filter removed: %s, the subtree syncs on the next run", args[0])
	return nil
}
