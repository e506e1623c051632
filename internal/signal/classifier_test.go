package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func TestClassifyEmptyInputDoesNotPanic(t *testing.T) {
	sig := Classify("", models.ChannelCLI, 0)
	require.Equal(t, models.ModeAssist, sig.Mode)
}

func TestClassifyModePriorityBuildBeatsExecute(t *testing.T) {
	// Contains both a "build" keyword and a "run" keyword; build wins.
	sig := Classify("please build and then run the service", models.ChannelHTTP, 0.5)
	require.Equal(t, models.ModeBuild, sig.Mode)
}

func TestClassifyModeDefaultsToAssist(t *testing.T) {
	sig := Classify("hey, how's it going today", models.ChannelHTTP, 0.2)
	require.Equal(t, models.ModeAssist, sig.Mode)
}

func TestClassifyFormatFromChannelOnly(t *testing.T) {
	cli := Classify("build the thing", models.ChannelCLI, 1)
	require.Equal(t, models.FormatCommand, cli.Format)

	webhook := Classify("build the thing", models.ChannelWebhook, 1)
	require.Equal(t, models.FormatNotification, webhook.Format)

	http := Classify("build the thing", models.ChannelHTTP, 1)
	require.Equal(t, models.FormatMessage, http.Format)
}

func TestClassifyGenreFromPunctuation(t *testing.T) {
	require.Equal(t, models.GenreDirect, Classify("stop now!", models.ChannelCLI, 0).Genre)
	require.Equal(t, models.GenreDecide, Classify("should we ship this?", models.ChannelCLI, 0).Genre)
}

func TestClassifyTypeQuestionAndIssue(t *testing.T) {
	require.Equal(t, "question", Classify("what time is it?", models.ChannelCLI, 0).Type)
	require.Equal(t, "issue", Classify("the build is broken again", models.ChannelCLI, 0).Type)
}

// TestClassifyScenarioS2 pins spec.md §8 S2 verbatim: "URGENT: production is
// down" on the cli channel must classify as mode=maintain (the incident
// keyword "down" belongs to the maintain family), weight>=0.7, format=command,
// type="issue".
func TestClassifyScenarioS2(t *testing.T) {
	sig := Classify("URGENT: production is down", models.ChannelCLI, 0.75)
	require.Equal(t, models.ModeMaintain, sig.Mode)
	require.GreaterOrEqual(t, sig.Weight, 0.7)
	require.Equal(t, models.FormatCommand, sig.Format)
	require.Equal(t, "issue", sig.Type)
}

func TestClassifyIsDeterministic(t *testing.T) {
	a := Classify("fix the login bug urgently", models.ChannelHTTP, 0.7)
	b := Classify("fix the login bug urgently", models.ChannelHTTP, 0.7)
	require.Equal(t, a, b)
}

func TestClassifyWeightClamped(t *testing.T) {
	require.Equal(t, 1.0, Classify("x", models.ChannelCLI, 5).Weight)
	require.Equal(t, 0.0, Classify("x", models.ChannelCLI, -5).Weight)
}
