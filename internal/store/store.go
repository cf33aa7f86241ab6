package store

import "context"

// Store is the persistence interface for proxy session and usage records.
// Block decisions are deliberately not persisted.
type Store interface {
	// CreateSession records a new client session.
	CreateSession(ctx context.Context, session *Session) error

	// EndSession marks a session as ended.
	EndSession(ctx context.Context, sessionID string) error

	// RecordToolCall counts a forwarded tool call asynchronously (buffered).
	RecordToolCall(ctx context.Context, gate, tool string) error

	// UsageSummary returns per-gate tool usage, gates sorted by name and
	// tools by descending call count.
	UsageSummary(ctx context.Context) ([]GateUsage, error)

	// Close flushes pending writes and closes the store.
	Close() error
}
