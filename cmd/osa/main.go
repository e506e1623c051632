// Command osa is the runtime's CLI entrypoint (spec.md §6, SPEC_FULL.md
// CLI section): a spf13/cobra root command with serve, classify, and
// orchestrate subcommands, grounded on the teacher's cmd/nexus/main.go
// root-command-plus-persistent-flags shape.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:           "osa",
		Short:         "Multi-channel, multi-provider conversational agent runtime",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (defaults to $OSA_HOME/config.json)")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(buildServeCmd(&configPath, &debug))
	root.AddCommand(buildClassifyCmd(&configPath, &debug))
	root.AddCommand(buildOrchestrateCmd(&configPath, &debug))

	return root
}

func configureLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
