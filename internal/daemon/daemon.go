// Package daemon implements single-instance lifecycle control for the
// background proxy process: a pid lock record, liveness/health probing,
// detached start, and graceful stop.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	lockFileName = "mcpguard.pid"
	logFileName  = "mcpguard.log"
	probeTimeout = 2 * time.Second
)

// LockRecord is the on-disk single-instance record.
type LockRecord struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// State reports whether a proxy instance is up.
type State struct {
	Running bool
	Record  *LockRecord
}

// Controller manages the background proxy process through the lock record.
type Controller struct {
	dir    string
	client *http.Client
}

// DefaultStateDir returns (and creates) ~/.mcpguard.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".mcpguard")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

func New(stateDir string) *Controller {
	return &Controller{
		dir:    stateDir,
		client: &http.Client{Timeout: probeTimeout},
	}
}

func (c *Controller) lockPath() string { return filepath.Join(c.dir, lockFileName) }

// LogPath is where the detached process writes its output.
func (c *Controller) LogPath() string { return filepath.Join(c.dir, logFileName) }

func (c *Controller) readLock() (*LockRecord, error) {
	data, err := os.ReadFile(c.lockPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock record: %w", err)
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as stale.
		os.Remove(c.lockPath())
		return nil, nil
	}
	return &rec, nil
}

func (c *Controller) writeLock(rec *LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	if err := os.WriteFile(c.lockPath(), data, 0644); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	return nil
}

func (c *Controller) removeLock() error {
	if err := os.Remove(c.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock record: %w", err)
	}
	return nil
}

// Status checks whether a live, responsive proxy instance exists. A record
// pointing at a dead process or an unresponsive endpoint is stale: it is
// removed and the proxy reported off, with no signal delivered.
func (c *Controller) Status(ctx context.Context) (State, error) {
	rec, err := c.readLock()
	if err != nil {
		return State{}, err
	}
	if rec == nil {
		return State{}, nil
	}

	if !processAlive(rec.PID) || !c.endpointHealthy(ctx, rec.Port) {
		if err := c.removeLock(); err != nil {
			return State{}, err
		}
		return State{}, nil
	}
	return State{Running: true, Record: rec}, nil
}

// endpointHealthy probes the proxy status endpoint. Any failure (timeout,
// connection refused, non-200) counts as unreachable.
func (c *Controller) endpointHealthy(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Start spawns a detached background proxy process and records its pid.
func (c *Controller) Start(configPath string, port int) (*LockRecord, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}

	logFile, err := os.OpenFile(c.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "serve", "-config", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background process: %w", err)
	}

	rec := &LockRecord{PID: cmd.Process.Pid, Port: port, StartedAt: time.Now()}
	if err := c.writeLock(rec); err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	cmd.Process.Release()
	return rec, nil
}

// Stop sends a graceful termination signal to the recorded process and
// removes the lock record.
func (c *Controller) Stop() error {
	rec, err := c.readLock()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := terminate(rec.PID); err != nil {
		// The process may have died since the status check; the record
		// is removed either way.
		c.removeLock()
		return fmt.Errorf("signal process %d: %w", rec.PID, err)
	}
	return c.removeLock()
}
