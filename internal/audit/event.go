package audit

import (
	"time"
)

// Event types.
const (
	TypeToolExecution  = "tool_execution"
	TypeAuthentication = "authentication"
	TypeAuthorization  = "authorization"
	TypeRateLimit      = "rate_limit"
	TypeConfigChange   = "config_change"
	TypeSystem         = "system"
)

// Severity levels, ordered info < warn < error < critical.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

var levelOrder = map[Level]int{
	LevelInfo:     0,
	LevelWarn:     1,
	LevelError:    2,
	LevelCritical: 3,
}

// AtLeast reports whether l is at or above min in severity.
func (l Level) AtLeast(min Level) bool {
	return levelOrder[l] >= levelOrder[min]
}

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Actor identifies who triggered the event.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Resource identifies what the event acted on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ErrorInfo carries the sanitized failure description. Stack is only
// populated for internal sinks, never for client-visible surfaces.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Event is one append-only audit record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Level     Level                  `json:"level"`
	Actor     Actor                  `json:"actor"`
	Action    string                 `json:"action"`
	Resource  *Resource              `json:"resource,omitempty"`
	Result    string                 `json:"result"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  *int64                 `json:"duration,omitempty"` // milliseconds
	Error     *ErrorInfo             `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DurationMillis is a helper for building events.
func DurationMillis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
