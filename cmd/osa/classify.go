package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensourceagent/osa/internal/config"
	"github.com/opensourceagent/osa/internal/signal"
	"github.com/opensourceagent/osa/pkg/models"
)

func buildClassifyCmd(configPath *string, debug *bool) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Run noise filtering and signal classification on a single message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.Context(), *configPath, *debug, args[0], channel)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", string(models.ChannelCLI), "inbound channel the message arrived on")
	return cmd
}

func runClassify(ctx context.Context, configPath string, debug bool, message, channel string) error {
	logger := configureLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr("osa classify: load config: %w", err)
	}
	if message == "" {
		return userErr("osa classify: message must not be empty")
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	verdict := rt.noiseFilter.Check(ctx, "classify:"+message, message)
	sig := signal.Classify(message, models.ChannelID(channel), verdict.Weight)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"signal":  sig,
		"verdict": verdict,
	})
}
