// Package scheduler runs the engine's clock-driven jobs: the morning ADV
// refresh, token keep-alive ticks, and end-of-day bookkeeping.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job interface {
	Run() error
	Name() string
}

// Func adapts a bare function into a Job.
func Func(name string, fn func() error) Job { return funcJob{name: name, fn: fn} }

type funcJob struct {
	name string
	fn   func() error
}

func (j funcJob) Run() error   { return j.fn() }
func (j funcJob) Name() string { return j.name }

// Scheduler wraps a location-aware cron runner. Every job runs with panic
// recovery and per-run logging, so a failing job cannot take down its
// neighbors or the process.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New builds a scheduler whose specs are interpreted in loc. Jobs keyed to
// exchange time need loc to be the exchange zone, not the host zone.
func New(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLog{log})),
		),
		logger: log,
	}
}

// Add registers a job under a cron spec ("0 6 * * *", "@every 1m").
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", job.Name(), err)
	}
	s.logger.Info().Str("job", job.Name()).Str("spec", spec).Msg("job registered")
	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	if err := job.Run(); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name()).
			Dur("took", time.Since(start)).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name()).
		Dur("took", time.Since(start)).Msg("job done")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.logger.Info().Str("job", job.Name()).Msg("running job now")
	return job.Run()
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Daily converts an "HH:MM" wall-clock string into a spec that fires once
// a day at that time in the scheduler's location.
func Daily(clock string) (string, error) {
	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return "", fmt.Errorf("clock %q: want HH:MM", clock)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("clock %q: bad hour", clock)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("clock %q: bad minute", clock)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// Every converts a duration into an @every spec.
func Every(d time.Duration) string { return "@every " + d.String() }

// cronLog adapts zerolog to the logger the recovery wrapper wants.
type cronLog struct{ log zerolog.Logger }

func (c cronLog) Info(msg string, kv ...interface{}) {
	c.log.Debug().Fields(kvFields(kv)).Msg(msg)
}

func (c cronLog) Error(err error, msg string, kv ...interface{}) {
	c.log.Error().Err(err).Fields(kvFields(kv)).Msg(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = kv[i+1]
	}
	return fields
}
