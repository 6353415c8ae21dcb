package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler periodically refreshes the bundle on a cron expression, for
// bundles whose includes point at moving targets such as git branches.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	reload  ReloadFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScheduler parses spec (standard five-field cron, or descriptors such
// as "@every 1h") and returns a stopped scheduler.
func NewScheduler(spec string, reload ReloadFunc, logger zerolog.Logger) (*Scheduler, error) {
	if reload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	s := &Scheduler{
		cron:    cron.New(),
		spec:    spec,
		reload:  reload,
		timeout: 5 * time.Minute,
		logger:  logger.With().Str("component", "bundle_scheduler").Logger(),
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Next returns the next scheduled refresh after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	sched, err := cron.ParseStandard(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("schedule", s.spec).Msg("Bundle refresh scheduled")
}

// Stop halts the schedule and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.reload(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled bundle refresh failed")
	}
}
