// Package events defines the sandbox lifecycle events published on the bus.
package events

import "time"

// Warm-up events.
const (
	WarmStarted   = "sandbox.warm.started"
	WarmCompleted = "sandbox.warm.completed"
	WarmFailed    = "sandbox.warm.failed"
	WarmContended = "sandbox.warm.contended"
)

// Session events.
const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionQuestion  = "session.question"
)

// Subscription patterns covering each family.
const (
	AllWarm     = "sandbox.warm.>"
	AllSessions = "session.>"
)

// Run kinds.
const (
	KindWarm    = "warm"
	KindSession = "session"
)

// RunEvent is the payload of every warm-up and session event. RunID ties the
// started event to its terminal event.
type RunEvent struct {
	RunID      string    `json:"runId"`
	Kind       string    `json:"kind"`
	UserID     string    `json:"userId"`
	ProjectID  string    `json:"projectId"`
	Status     string    `json:"status"`
	Code       string    `json:"code,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	PreviewURL string    `json:"previewUrl,omitempty"`
	ToolUseID  string    `json:"toolUseId,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
