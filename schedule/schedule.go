// Package schedule runs the pipeline on a cron cadence, detects runs missed
// while the process was down, and refuses to overlap runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pricetrack/pricetrack/clock"
	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/store"
)

// ErrRunInProgress is returned when a run is requested while another run has
// not finished.
var ErrRunInProgress = errors.New("schedule: run already in progress")

// Job is the unit of work the scheduler triggers. A non-nil error marks the
// run as failed and stops the daemon, leaving retry policy to the supervisor.
type Job func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	// CronExpr is a standard five-field cron expression evaluated in
	// Timezone.
	CronExpr string

	// Timezone is an IANA zone name, e.g. "America/New_York".
	Timezone string

	// IntervalHours is the nominal gap between runs; with BufferHours it
	// defines when a run counts as missed.
	IntervalHours int
	BufferHours   int

	Clock   clock.Clock
	Sleeper clock.Sleeper
}

// Scheduler owns the run cadence. State is persisted after every run so a
// restart can tell whether the downtime swallowed a scheduled run.
type Scheduler struct {
	sched    cron.Schedule
	loc      *time.Location
	interval time.Duration
	buffer   time.Duration
	clk      clock.Clock
	sleeper  clock.Sleeper
	store    *store.Store
	job      Job

	inProgress atomic.Bool
}

// NewScheduler parses opts and wires the job.
func NewScheduler(opts Options, st *store.Store, job Job) (*Scheduler, error) {
	if opts.CronExpr == "" {
		return nil, fmt.Errorf("schedule: cron expression is required")
	}
	if opts.IntervalHours <= 0 {
		opts.IntervalHours = 24
	}
	if opts.BufferHours < 0 {
		opts.BufferHours = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sleeper == nil {
		opts.Sleeper = clock.Real{}
	}

	loc := time.UTC
	if opts.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule: load timezone %q: %w", opts.Timezone, err)
		}
	}

	sched, err := cron.ParseStandard(opts.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse cron expression %q: %w", opts.CronExpr, err)
	}

	return &Scheduler{
		sched:    sched,
		loc:      loc,
		interval: time.Duration(opts.IntervalHours) * time.Hour,
		buffer:   time.Duration(opts.BufferHours) * time.Hour,
		clk:      opts.Clock,
		sleeper:  opts.Sleeper,
		store:    st,
		job:      job,
	}, nil
}

// NextRun returns the first scheduled time after t, in the configured
// timezone.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// MissedRun reports whether the gap since the last run exceeds the interval
// plus buffer. A nil state means no run has ever completed, which is a first
// start, not a missed run.
func (s *Scheduler) MissedRun(state *models.SchedulerState, now time.Time) bool {
	if state == nil || state.LastRunAt.IsZero() {
		return false
	}
	return now.Sub(state.LastRunAt) >= s.interval+s.buffer
}

// RunNow executes the job once. Overlapping calls are rejected, not queued.
// The outcome and the next scheduled time are persisted before returning.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.inProgress.CompareAndSwap(false, true) {
		slog.Warn("run skipped, previous run still in progress")
		return ErrRunInProgress
	}
	defer s.inProgress.Store(false)

	started := s.clk.Now()
	err := s.job(ctx)

	status := models.RunSuccess
	if err != nil {
		status = models.RunFailed
		slog.Error("scheduled run failed", slog.Any("error", err))
	}

	state := models.SchedulerState{
		LastRunAt:        started,
		LastRunStatus:    status,
		NextScheduledRun: s.NextRun(started),
	}
	// The outcome is recorded even when the run was cancelled mid-flight.
	if saveErr := s.store.SaveSchedulerState(context.WithoutCancel(ctx), state); saveErr != nil {
		return errors.Join(err, fmt.Errorf("persisting scheduler state: %w", saveErr))
	}
	return err
}

// Start blocks, running the job on the cron cadence. It returns when ctx is
// cancelled or a run fails; the state is already persisted, so the supervisor
// restarting the process decides the retry policy. If the persisted state
// shows a missed run, one catch-up run fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	state, err := s.store.SchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduler state: %w", err)
	}

	if s.MissedRun(state, s.clk.Now()) {
		slog.Warn("missed run detected, running catch-up",
			slog.Time("last_run_at", state.LastRunAt),
			slog.Duration("interval", s.interval),
			slog.Duration("buffer", s.buffer),
		)
		if err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			return fmt.Errorf("catch-up run: %w", err)
		}
	}

	for {
		now := s.clk.Now()
		next := s.NextRun(now)

		slog.Info("next scheduled run",
			slog.Time("at", next),
			slog.Duration("in", next.Sub(now)),
		)

		if err := s.sleeper.Sleep(ctx, next.Sub(now)); err != nil {
			return err
		}

		if err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			return err
		}
	}
}
