package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoActiveRun is returned by Stop when nothing is running.
var ErrNoActiveRun = errors.New("no active run")

// Snapshot describes the controller's current state.
type Snapshot struct {
	Running bool    `json:"running"`
	Report  *Report `json:"report,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Controller owns at most one background run of a Pipeline on behalf of
// the HTTP API.
type Controller struct {
	p      *Pipeline
	base   context.Context
	logger *zap.Logger

	mu      sync.Mutex
	done    chan struct{}
	lastErr error
}

// NewController binds runs to base; canceling base cancels the active run.
func NewController(base context.Context, p *Pipeline, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{p: p, base: base, logger: logger}
}

// Start launches req in the background and returns its run id.
func (c *Controller) Start(req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil || c.p.Running() {
		select {
		case <-c.done:
		default:
			return "", ErrRunActive
		}
	}
	if req.RunID == uuid.Nil {
		id, err := c.p.newRunID()
		if err != nil {
			return "", err
		}
		req.RunID = id
	}
	done := make(chan struct{})
	c.done = done
	c.lastErr = nil
	go func() {
		defer close(done)
		_, err := c.p.Run(c.base, req)
		if err != nil {
			c.logger.Warn("Background run ended with error", zap.String("run_id", req.RunID.String()), zap.Error(err))
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}()
	return req.RunID.String(), nil
}

// Stop asks the active run to stop at the next entity boundary.
func (c *Controller) Stop() error {
	if !c.p.Running() {
		return ErrNoActiveRun
	}
	c.p.Stop()
	return nil
}

// Snapshot returns the live or last report.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{Running: c.p.Running()}
	if report, ok := c.p.Current(); ok {
		snap.Report = &report
	}
	c.mu.Lock()
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	c.mu.Unlock()
	return snap
}

// Wait blocks until the active run (if any) finishes or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
