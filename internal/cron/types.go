// Package cron implements the cron mechanism of the scheduler (spec.md
// §4.16, C16): 5-field expressions loaded from a JSON file, a 1-minute
// tick, three job kinds (agent message, shell command, outbound webhook),
// and a per-job circuit breaker that disables a job after three
// consecutive failures until explicitly re-enabled.
package cron

import (
	"context"
	"time"
)

// JobType identifies the dispatch handler for a cron job.
type JobType string

const (
	JobTypeMessage JobType = "message"
	JobTypeShell   JobType = "shell"
	JobTypeWebhook JobType = "webhook"
)

// Job is one scheduled entry (spec.md §4.16). A disabled job is skipped by
// the tick loop and its NextRun is not advanced.
type Job struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     JobType `json:"type"`
	CronExpr string  `json:"cron_expr"`
	Enabled  bool    `json:"enabled"`

	// Exactly one of the following is populated, matching Type.
	Message *MessageJob `json:"message,omitempty"`
	Shell   *ShellJob   `json:"shell,omitempty"`
	Webhook *WebhookJob `json:"webhook,omitempty"`

	NextRun          time.Time `json:"next_run"`
	LastRun          time.Time `json:"last_run,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	Disabled         bool      `json:"disabled"` // true once the circuit breaker has tripped
}

// MessageJob delivers a fixed message to a session as if it had arrived on
// the scheduler's synthetic channel.
type MessageJob struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ShellJob runs a command with the scheduler's shell sandbox (30s timeout,
// 100KB output cap, blocklist enforced before exec.Command is built).
type ShellJob struct {
	Command string `json:"command"`
}

// WebhookJob posts a JSON body to an outbound URL.
type WebhookJob struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// MessageDispatcher delivers a scheduled message job into the agent
// runtime (typically sessionregistry.Registry.EnsureLoop + Process).
type MessageDispatcher interface {
	Dispatch(ctx context.Context, sessionID, text string) error
}

// MessageDispatcherFunc adapts a function to a MessageDispatcher.
type MessageDispatcherFunc func(ctx context.Context, sessionID, text string) error

func (f MessageDispatcherFunc) Dispatch(ctx context.Context, sessionID, text string) error {
	return f(ctx, sessionID, text)
}

// maxConsecutiveFailures is the fixed circuit breaker threshold (spec.md
// §4.16: "three consecutive failures disable it until explicit
// re-enable").
const maxConsecutiveFailures = 3
