package models

import "time"

// Session is a durable conversation identified by SessionID, serviced by at
// most one agent loop at a time (spec.md §3, Session).
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Channel    ChannelID `json:"channel"`
	Iteration  int       `json:"iteration_counter"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
