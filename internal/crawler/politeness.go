package crawler

import (
	"context"
	"time"
)

// pauseController abstracts how the fetch wrapper backs off between attempts.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type noGate struct{}

func (noGate) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
