// Package scheduler runs the background sweeps on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// Job is a unit of periodic work. It should return once ctx is done.
type Job func(ctx context.Context)

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every schedules job at a fixed interval. A run that is still going when
// the next tick fires makes that tick a no-op.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	telemetry.Logger.Info("Scheduled job", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		telemetry.Logger.Warn("Scheduler stop timed out")
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
