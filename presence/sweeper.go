package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler runs the heartbeat and the stale-session sweep in the background.
type Scheduler struct {
	s gocron.Scheduler
}

// StartScheduler heartbeats every interval and sweeps every interval as well;
// a session is stale once it missed staleAfter worth of heartbeats.
func StartScheduler(t *Tracker, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{log.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"presence-heartbeat", t.Heartbeat},
		{"presence-sweep", func(ctx context.Context) error {
			_, err := t.Sweep(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		run, name := job.run, job.name
		_, err := s.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func(ctx context.Context) {
				if err := run(ctx); err != nil {
					log.Warn("scheduled task failed", zap.String("task_name", name), zap.Error(err))
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("failed to schedule job %q: %w", name, err)
		}
	}

	s.Start()
	return &Scheduler{s: s}, nil
}

func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}

type gocronLogger struct {
	l *zap.SugaredLogger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debugw(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Infow(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warnw(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Errorw(msg, args...) }
