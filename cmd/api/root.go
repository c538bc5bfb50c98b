package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"notebook/api/internal/config"
)

var (
	configPath string
	verbose    bool
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "notebook",
	Short:         "Multi-tenant note API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.SlogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
	// Running the bare binary serves, like the old entrypoint did.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $NOTES_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}
