package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs recurring maintenance tasks on cron expressions, always in
// UTC. Tasks overlap-guard themselves through the idempotency layer or the
// store; the scheduler only fires them.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a task under a cron expression. Task failures are logged
// and never stop the schedule.
func (s *Scheduler) Add(spec, name string, timeout time.Duration, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			s.log.Error().Err(err).Str("task", name).Msg("scheduled task failed")
			return
		}
		s.log.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("scheduled task done")
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
