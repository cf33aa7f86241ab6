package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	bufferSize    = 1024
	batchSize     = 100
	flushInterval = 500 * time.Millisecond
)

// toolCall is one buffered usage increment.
type toolCall struct {
	gate string
	tool string
	at   time.Time
}

// SQLiteStore implements Store with buffered usage writes to SQLite.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeCh chan toolCall
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// NewSQLiteStore opens (or creates) a SQLite database and starts the
// background write consumer.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(2) // one for writer, one for readers
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		writeCh: make(chan toolCall, bufferSize),
	}

	s.wg.Add(1)
	go s.consumeWrites()

	return s, nil
}

// CreateSession records a new session synchronously.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, gate, started_at) VALUES (?, ?, ?)`,
		session.ID, session.Gate, session.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession marks a session as ended.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordToolCall enqueues a usage increment for async persistence. Calls
// arriving after Close are dropped; in-flight handlers may outlive shutdown.
func (s *SQLiteStore) RecordToolCall(_ context.Context, gate, tool string) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil
	}

	select {
	case s.writeCh <- toolCall{gate: gate, tool: tool, at: time.Now()}:
		return nil
	default:
		s.logger.Warn("write buffer full, dropping usage record", "gate", gate, "tool", tool)
		return nil
	}
}

func (s *SQLiteStore) consumeWrites() {
	defer s.wg.Done()

	batch := make([]toolCall, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case call, ok := <-s.writeCh:
			if !ok {
				if len(batch) > 0 {
					s.flushBatch(batch)
				}
				return
			}
			batch = append(batch, call)
			if len(batch) >= batchSize {
				s.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *SQLiteStore) flushBatch(batch []toolCall) {
	// Collapse the batch so each (gate, tool) pair is upserted once.
	type key struct{ gate, tool string }
	counts := make(map[key]int)
	last := make(map[key]time.Time)
	for _, call := range batch {
		k := key{call.gate, call.tool}
		counts[k]++
		if call.at.After(last[k]) {
			last[k] = call.at
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("begin tx", "error", err)
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO tool_calls (gate, tool, calls, last_called)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(gate, tool) DO UPDATE SET
			calls = calls + excluded.calls,
			last_called = excluded.last_called
	`)
	if err != nil {
		tx.Rollback()
		s.logger.Error("prepare upsert", "error", err)
		return
	}
	defer stmt.Close()

	for k, n := range counts {
		if _, err := stmt.Exec(k.gate, k.tool, n, last[k].UTC().Format(time.RFC3339Nano)); err != nil {
			s.logger.Error("upsert usage", "gate", k.gate, "tool", k.tool, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("commit usage batch", "error", err)
	}
}

// UsageSummary returns per-gate tool usage.
func (s *SQLiteStore) UsageSummary(ctx context.Context) ([]GateUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gate, tool, calls, last_called FROM tool_calls ORDER BY gate ASC, calls DESC, tool ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var summary []GateUsage
	for rows.Next() {
		var gate, tool, lastCalled string
		var calls int
		if err := rows.Scan(&gate, &tool, &calls, &lastCalled); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}

		at, _ := time.Parse(time.RFC3339Nano, lastCalled)
		if len(summary) == 0 || summary[len(summary)-1].Gate != gate {
			summary = append(summary, GateUsage{Gate: gate})
		}
		g := &summary[len(summary)-1]
		g.Tools = append(g.Tools, ToolUsage{Tool: tool, Calls: calls, LastCalled: at})
		g.TotalCalls += calls
	}
	return summary, rows.Err()
}

// Close flushes pending writes and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.closeMu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
