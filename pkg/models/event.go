package models

import "time"

// EventTag is the closed set of event types the bus accepts. Publishing an
// unknown tag is rejected at publish time (spec.md §4.1) to prevent typo
// drift between emitters and subscribers.
type EventTag string

const (
	EventSession          EventTag = "session_event"
	EventTool             EventTag = "tool_event"
	EventSystem           EventTag = "system_event"
	EventSignalClassified EventTag = "signal_classified"
	EventThinkingDelta    EventTag = "thinking_delta"
	EventLLMRequest       EventTag = "llm_request"
	EventLLMResponse      EventTag = "llm_response"
	EventRunStarted       EventTag = "run_started"
	EventRunFinished      EventTag = "run_finished"
	EventRunError         EventTag = "run_error"
	EventRunCancelled     EventTag = "run_cancelled"
	EventContextPacked    EventTag = "context_packed"
	EventTaskCompleted    EventTag = "task_completed"
	EventTaskFailed       EventTag = "task_failed"
	EventSwarmProgress    EventTag = "swarm_progress"
)

// KnownEventTags is the validation set used by the event bus.
var KnownEventTags = map[EventTag]bool{
	EventSession: true, EventTool: true, EventSystem: true,
	EventSignalClassified: true, EventThinkingDelta: true,
	EventLLMRequest: true, EventLLMResponse: true,
	EventRunStarted: true, EventRunFinished: true, EventRunError: true,
	EventRunCancelled: true, EventContextPacked: true,
	EventTaskCompleted: true, EventTaskFailed: true, EventSwarmProgress: true,
}

// Event is the envelope published on the event bus and streamed over SSE.
type Event struct {
	Tag       EventTag       `json:"tag"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload,omitempty"`
}
