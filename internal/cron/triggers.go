package cron

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
)

// Trigger is an event-driven scheduler entry (spec.md §4.16): fired by an
// inbound HTTP call rather than a clock tick, with its message template
// interpolated from the caller's payload.
type Trigger struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SessionID       string `json:"session_id"`
	MessageTemplate string `json:"message_template"`
	Enabled         bool   `json:"enabled"`

	ConsecutiveFails int    `json:"consecutive_fails"`
	Disabled         bool   `json:"disabled"`
	LastError        string `json:"last_error,omitempty"`
}

// TriggerRegistry holds the set of trigger entries the C17 HTTP surface
// fires by name, sharing the circuit-breaker policy the cron mechanism
// uses (three consecutive failures disables the entry).
type TriggerRegistry struct {
	dispatcher MessageDispatcher

	mu       sync.Mutex
	triggers map[string]*Trigger
}

// NewTriggerRegistry constructs an empty registry.
func NewTriggerRegistry(dispatcher MessageDispatcher) *TriggerRegistry {
	return &TriggerRegistry{dispatcher: dispatcher, triggers: make(map[string]*Trigger)}
}

// Register adds or replaces a trigger entry by ID.
func (r *TriggerRegistry) Register(t *Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[t.ID] = t
}

// Enable clears a trigger's circuit breaker.
func (r *TriggerRegistry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return fmt.Errorf("cron: trigger %q not found", id)
	}
	t.Disabled = false
	t.ConsecutiveFails = 0
	return nil
}

// Fire interpolates the trigger's message template against payload and
// dispatches it as an agent message. Returns an error without dispatching
// if the trigger is unknown, disabled, or the template is malformed.
func (r *TriggerRegistry) Fire(ctx context.Context, id string, payload map[string]any) error {
	r.mu.Lock()
	t, ok := r.triggers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: trigger %q not found", id)
	}
	if !t.Enabled || t.Disabled {
		return fmt.Errorf("cron: trigger %q is disabled", id)
	}

	text, err := renderTemplate(t.MessageTemplate, payload)
	if err != nil {
		r.recordFailure(t, err)
		return fmt.Errorf("cron: render trigger %q: %w", id, err)
	}

	if r.dispatcher == nil {
		err = fmt.Errorf("no message dispatcher configured")
		r.recordFailure(t, err)
		return err
	}
	if err := r.dispatcher.Dispatch(ctx, t.SessionID, text); err != nil {
		r.recordFailure(t, err)
		return fmt.Errorf("cron: dispatch trigger %q: %w", id, err)
	}

	r.mu.Lock()
	t.ConsecutiveFails = 0
	t.LastError = ""
	r.mu.Unlock()
	return nil
}

func (r *TriggerRegistry) recordFailure(t *Trigger, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.LastError = err.Error()
	t.ConsecutiveFails++
	if t.ConsecutiveFails >= maxConsecutiveFailures {
		t.Disabled = true
	}
}

func renderTemplate(text string, payload map[string]any) (string, error) {
	tmpl, err := template.New("trigger").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload); err != nil {
		return "", err
	}
	return buf.String(), nil
}
