package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mcpguard/mcpguard/internal/config"
)

// ConnectFunc establishes an upstream connection for a gate.
type ConnectFunc func(ctx context.Context, name string, cfg config.GateConfig) (*Gate, error)

// Registry owns one Gate per configured name, created lazily on first use
// and kept until the process shuts down. Concurrent first requests for the
// same name share a single connection attempt; failed attempts are not
// cached, so the next request retries from scratch.
type Registry struct {
	logger  *slog.Logger
	connect ConnectFunc

	mu    sync.RWMutex
	gates map[string]*Gate
	group singleflight.Group
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		connect: Connect,
		gates:   make(map[string]*Gate),
	}
}

// NewRegistryWithConnect builds a registry using a custom connect function.
func NewRegistryWithConnect(logger *slog.Logger, connect ConnectFunc) *Registry {
	r := NewRegistry(logger)
	r.connect = connect
	return r
}

// GetOrConnect returns the cached Gate for name, connecting first if needed.
func (r *Registry) GetOrConnect(ctx context.Context, name string, cfg config.GateConfig) (*Gate, error) {
	r.mu.RLock()
	g, ok := r.gates[name]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// A concurrent caller may have connected while we waited our turn.
		r.mu.RLock()
		g, ok := r.gates[name]
		r.mu.RUnlock()
		if ok {
			return g, nil
		}

		r.logger.Info("connecting to upstream", "gate", name, "url", cfg.URL)
		g, err := r.connect(ctx, name, cfg)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", name, err)
		}

		r.mu.Lock()
		r.gates[name] = g
		r.mu.Unlock()

		r.logger.Info("upstream connected", "gate", name, "tools", len(g.Tools))
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Gate), nil
}

// Lookup returns the Gate for name if one is connected.
func (r *Registry) Lookup(name string) (*Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[name]
	return g, ok
}

// CloseAll tears down every cached upstream connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, g := range r.gates {
		if err := g.Client.Close(); err != nil {
			r.logger.Warn("closing upstream", "gate", name, "error", err)
		}
		delete(r.gates, name)
	}
}
