// Package signal implements the pure, deterministic signal classifier
// (spec.md §4.6, C6): given inbound text and channel, it derives a Signal
// describing the message's mode, genre, type, and format without ever
// calling out to an LLM or touching state.
package signal

import (
	"strings"

	"github.com/opensourceagent/osa/pkg/models"
)

// modeKeywords is the fixed priority order the classifier scans in:
// build > execute > analyze > maintain, defaulting to assist. This list
// operationalizes spec.md's Open Question about tiebreak order — the first
// mode whose keyword set matches wins, regardless of how many keywords from
// a lower-priority mode also appear.
var modeKeywords = []struct {
	mode     models.Mode
	keywords []string
}{
	{models.ModeBuild, []string{"build", "implement", "create", "add feature", "write code", "develop", "scaffold"}},
	{models.ModeExecute, []string{"run", "execute", "start", "deploy", "launch", "trigger"}},
	{models.ModeAnalyze, []string{"analyze", "review", "investigate", "explain", "why", "debug", "diagnose"}},
	{models.ModeMaintain, []string{"fix", "update", "refactor", "cleanup", "clean up", "patch", "upgrade", "down", "outage", "incident"}},
}

var urgencyKeywords = []string{"urgent", "critical", "emergency"}
var commandVerbs = []string{"build", "fix", "run"}
var commitKeywords = []string{"i will", "i'll", "going to", "i promise", "let's", "let us"}
var expressKeywords = []string{"feel", "feeling", "love", "hate", "excited", "worried", "frustrated", "thanks", "appreciate"}
var issueKeywords = []string{"bug", "broken", "error", "crash", "fails", "failing", "doesn't work", "not working", "down", "outage", "incident"}

// Classify is the C6 entry point: a pure function of (text, channel) plus
// the final noise-filter weight (computed upstream by C5). It never raises:
// empty input yields a deterministic Signal with ModeAssist.
func Classify(text string, channel models.ChannelID, weight float64) models.Signal {
	lower := strings.ToLower(strings.TrimSpace(text))

	sig := models.Signal{
		Format:  formatForChannel(channel),
		Mode:    modeFor(lower),
		Genre:   genreFor(lower, text),
		Type:    typeFor(lower),
		Weight:  clamp01(weight),
		Channel: channel,
	}
	return sig
}

func formatForChannel(channel models.ChannelID) models.Format {
	switch channel {
	case models.ChannelCLI:
		return models.FormatCommand
	case models.ChannelWebhook:
		return models.FormatNotification
	default:
		return models.FormatMessage
	}
}

func modeFor(lower string) models.Mode {
	if lower == "" {
		return models.ModeAssist
	}
	for _, entry := range modeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.mode
			}
		}
	}
	return models.ModeAssist
}

func genreFor(lower, original string) models.Genre {
	trimmed := strings.TrimSpace(original)
	if strings.HasSuffix(trimmed, "!") {
		return models.GenreDirect
	}
	if strings.HasSuffix(trimmed, "?") {
		return models.GenreDecide
	}
	for _, kw := range commitKeywords {
		if strings.Contains(lower, kw) {
			return models.GenreCommit
		}
	}
	for _, kw := range expressKeywords {
		if strings.Contains(lower, kw) {
			return models.GenreExpress
		}
	}
	return models.GenreInform
}

func typeFor(lower string) string {
	if strings.Contains(lower, "?") {
		return "question"
	}
	for _, kw := range issueKeywords {
		if strings.Contains(lower, kw) {
			return "issue"
		}
	}
	for _, entry := range modeKeywords {
		for _, kw := range entry.keywords {
			if strings.HasPrefix(lower, kw) {
				return "request"
			}
		}
	}
	return "statement"
}

func clamp01(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
