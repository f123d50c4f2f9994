package stepper

import (
	"context"
	"time"
)

// PollStrategy paces the sampling loop. Wait is called after every sample
// and must return promptly with ctx.Err() once ctx is done.
type PollStrategy interface {
	Wait(ctx context.Context) error
}

// BusyPoll samples back to back, the fastest and most CPU hungry option.
type BusyPoll struct{}

func (BusyPoll) Wait(ctx context.Context) error {
	return ctx.Err()
}

// FixedInterval sleeps Period between samples.
type FixedInterval struct {
	Period time.Duration
}

func (f FixedInterval) Wait(ctx context.Context) error {
	return sleep(ctx, f.Period)
}

// NewPollStrategy returns BusyPoll for a non-positive period.
func NewPollStrategy(period time.Duration) PollStrategy {
	if period <= 0 {
		return BusyPoll{}
	}
	return FixedInterval{Period: period}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
