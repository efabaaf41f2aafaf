package models

import "time"

// WindowDuration is the length of one rate-limit window.
const WindowDuration = time.Minute

// RateLimitWindow counts calls from one caller identity to one agent.
type RateLimitWindow struct {
	Agent        string    `json:"agent"`
	CallerKey    string    `json:"caller_key"`
	RequestCount int64     `json:"request_count"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

// Active reports whether now falls inside [WindowStart, WindowEnd).
func (w RateLimitWindow) Active(now time.Time) bool {
	return !now.Before(w.WindowStart) && now.Before(w.WindowEnd)
}

// Caller identifies who is calling an agent.
type Caller struct {
	UserID     string `json:"user_id,omitempty"`
	Addr       string `json:"addr,omitempty"`
	Privileged bool   `json:"privileged,omitempty"`
}
