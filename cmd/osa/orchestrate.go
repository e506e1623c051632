package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensourceagent/osa/internal/config"
	"github.com/opensourceagent/osa/pkg/models"
)

func buildOrchestrateCmd(configPath *string, debug *bool) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "orchestrate <input>",
		Short: "Run one message through the agent loop and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(cmd.Context(), *configPath, *debug, args[0], sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to run under (defaults to a fresh one)")
	return cmd
}

func runOrchestrate(ctx context.Context, configPath string, debug bool, input, sessionID string) error {
	logger := configureLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr("osa orchestrate: load config: %w", err)
	}
	if input == "" {
		return userErr("osa orchestrate: input must not be empty")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := rt.sessions.EnsureLoop(sessionID, "", models.ChannelCLI)
	if err != nil {
		return providerErr("osa orchestrate: create session loop: %w", err)
	}

	result, err := handle.Process(ctx, rt.sessions, input)
	if err != nil {
		return userErr("osa orchestrate: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
