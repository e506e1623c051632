package contextbuilder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func basicInput() Input {
	return Input{
		Bootstrap: BootstrapFiles{Identity: "custom identity override", Soul: "curious and terse", User: "prefers short answers"},
		MemoryDigest: "user previously asked about deployment pipelines",
		MachineAddendum: "host: build-box-1, skills: [docker, k8s]",
		ActiveSkills: []Skill{{Name: "deploy", Description: "deploys services"}},
		Runtime: Runtime{
			Timestamp: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
			Channel:   models.ChannelHTTP,
			SessionID: "sess-1",
			Provider:  "anthropic",
			Model:     "claude-x",
		},
	}
}

func TestAssembleAlwaysIncludesGuardrail(t *testing.T) {
	out := Assemble(context.Background(), basicInput())
	require.Contains(t, out, SecurityGuardrail)
}

func TestAssembleOmitsSignalBlockWhenNil(t *testing.T) {
	out := Assemble(context.Background(), basicInput())
	require.NotContains(t, out, "Signal: mode=")
}

func TestAssembleIncludesSignalBlockWhenProvided(t *testing.T) {
	in := basicInput()
	sig := models.Signal{Mode: models.ModeBuild, Genre: models.GenreDirect, Type: "request", Format: models.FormatMessage, Weight: 0.8}
	in.Signal = &sig
	out := Assemble(context.Background(), in)
	require.Contains(t, out, "Signal: mode=build")
}

func TestAssembleOrderMatchesSevenPartSequence(t *testing.T) {
	in := basicInput()
	out := Assemble(context.Background(), in)

	identityIdx := strings.Index(out, identityBlock)
	soulIdx := strings.Index(out, "curious and terse")
	memoryIdx := strings.Index(out, "deployment pipelines")
	machineIdx := strings.Index(out, "build-box-1")
	skillsIdx := strings.Index(out, "Active skills")
	runtimeIdx := strings.Index(out, "Runtime: ts=")

	require.True(t, identityIdx < soulIdx)
	require.True(t, soulIdx < memoryIdx)
	require.True(t, memoryIdx < machineIdx)
	require.True(t, machineIdx < skillsIdx)
	require.True(t, skillsIdx < runtimeIdx)
}

func TestAssembleTruncatesLowTierBeforeCritical(t *testing.T) {
	in := basicInput()
	in.MaxTokens = 1
	in.EstimateTokens = func(s string) int { return len(strings.Fields(s)) }

	out := Assemble(context.Background(), in)
	require.Contains(t, out, SecurityGuardrail, "CRITICAL tier must survive even a 1-token budget")
	require.NotContains(t, out, "build-box-1", "LOW tier machine addendum should be dropped first")
}

func TestAssembleNeverTruncatesCriticalEvenUnderTinyBudget(t *testing.T) {
	in := basicInput()
	in.MaxTokens = 1
	in.EstimateTokens = func(s string) int { return len(strings.Fields(s)) }

	out := Assemble(context.Background(), in)
	require.Contains(t, out, identityBlock)
}
