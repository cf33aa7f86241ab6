package store

import "time"

// Session represents one client-facing proxy session.
type Session struct {
	ID        string     `json:"id"`
	Gate      string     `json:"gate"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ToolUsage is the aggregate call count for one mirrored tool.
type ToolUsage struct {
	Tool       string    `json:"tool"`
	Calls      int       `json:"calls"`
	LastCalled time.Time `json:"last_called"`
}

// GateUsage groups tool usage by gate.
type GateUsage struct {
	Gate       string      `json:"gate"`
	TotalCalls int         `json:"total_calls"`
	Tools      []ToolUsage `json:"tools"`
}
