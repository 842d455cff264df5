// Command driftsync runs and inspects the bidirectional sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/remote"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Bidirectional file synchronization engine",
	Long: `Driftsync keeps a local directory and a remote folder in sync in
both directions: local edits are uploaded, remote edits are downloaded,
and concurrent edits surface as conflicts for explicit resolution.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default searches ., ~/.config/driftsync, ~/.driftsync)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func initApp(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	return nil
}

// buildEngine wires the HTTP gateway and the engine from the loaded
// config. The caller owns the returned engine and must Stop it.
func buildEngine() (*engine.Engine, error) {
	gateway := remote.NewHTTPGateway(&cfg.Remote, logger)
	return engine.New(cfg, gateway, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
