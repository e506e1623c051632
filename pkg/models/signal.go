package models

import "time"

// Mode is the action family a signal belongs to. Priority ordering for
// classification is fixed: build > execute > analyze > maintain > assist.
type Mode string

const (
	ModeBuild    Mode = "build"
	ModeExecute  Mode = "execute"
	ModeAnalyze  Mode = "analyze"
	ModeAssist   Mode = "assist"
	ModeMaintain Mode = "maintain"
)

// ModePriority lists modes in the fixed tiebreak order used when more than
// one keyword family matches a message (spec.md §9, Open Questions).
var ModePriority = []Mode{ModeBuild, ModeExecute, ModeAnalyze, ModeMaintain, ModeAssist}

// Genre is the communicative intent of a message.
type Genre string

const (
	GenreDirect  Genre = "direct"
	GenreInform  Genre = "inform"
	GenreCommit  Genre = "commit"
	GenreDecide  Genre = "decide"
	GenreExpress Genre = "express"
)

// Format is determined purely by the inbound channel, never by content.
type Format string

const (
	FormatCommand      Format = "command"
	FormatMessage      Format = "message"
	FormatNotification Format = "notification"
	FormatDocument     Format = "document"
	FormatTranscript   Format = "transcript"
)

// Signal is the immutable 5-tuple classification of an inbound message plus
// provenance (spec.md §3, Signal).
type Signal struct {
	Mode      Mode      `json:"mode"`
	Genre     Genre     `json:"genre"`
	Type      string    `json:"type"`
	Format    Format    `json:"format"`
	Weight    float64   `json:"weight"`
	Channel   ChannelID `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}
