package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	JobRecovery = "recovery"
	JobRefresh  = "refresh"
)

// Sweeper finds recoverable runs and dispatches them, Recovery implements it
type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// Prober refreshes the aggregates of active batches, BatchProbe implements it
type Prober interface {
	Probe(ctx context.Context) (int, error)
}

type Intervals struct {
	Scan    time.Duration // how often the recovery sweep runs
	Refresh time.Duration // how often active batches are re-aggregated
}

type scheduledJob struct {
	EntryID cron.EntryID
	Spec    string
}

// Scheduler runs the periodic maintenance jobs of the system on a cron. A job that is still
// running when its next tick comes is skipped.
type Scheduler struct {
	cron      *cron.Cron
	sweeper   Sweeper
	prober    Prober
	intervals Intervals
	jobs      map[string]scheduledJob
	jobsMutex sync.RWMutex

	isRunning  bool // checks if start has been called
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewScheduler creates a new scheduler service
func NewScheduler(sweeper Sweeper, prober Prober, intervals Intervals) *Scheduler {
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)

	return &Scheduler{
		cron:      c,
		sweeper:   sweeper,
		prober:    prober,
		intervals: intervals,
		jobs:      make(map[string]scheduledJob),
	}
}

// Start registers the jobs and begins the scheduler service
func (s *Scheduler) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	s.context, s.cancelFunc = context.WithCancel(ctx)

	if s.sweeper != nil && s.intervals.Scan > 0 {
		if err := s.AddJob(JobRecovery, every(s.intervals.Scan), s.sweep); err != nil {
			s.cancelFunc()
			return err
		}
	}
	if s.prober != nil && s.intervals.Refresh > 0 {
		if err := s.AddJob(JobRefresh, every(s.intervals.Refresh), s.probe); err != nil {
			s.cancelFunc()
			return err
		}
	}

	s.cron.Start()
	s.isRunning = true

	// recover what a previous deployment left behind without waiting a full interval
	s.jobsMutex.RLock()
	job, ok := s.jobs[JobRecovery]
	s.jobsMutex.RUnlock()
	if ok {
		go s.cron.Entry(job.EntryID).WrappedJob.Run()
	}
	return nil
}

// Stop stops the scheduler and waits for running jobs to return
func (s *Scheduler) Stop() {
	if !s.isRunning {
		return
	}

	s.cancelFunc()
	<-s.cron.Stop().Done()
	s.isRunning = false
}

// AddJob schedules f under name, replacing any job already registered with that name
func (s *Scheduler) AddJob(name, spec string, f func(ctx context.Context)) error {
	s.RemoveJob(name)

	entryID, err := s.cron.AddFunc(spec, func() {
		if s.context.Err() != nil {
			return
		}
		f(s.context)
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("job", name).
			Str("cron", spec).
			Msg("Failed to schedule job")
		return err
	}

	s.jobsMutex.Lock()
	s.jobs[name] = scheduledJob{entryID, spec}
	s.jobsMutex.Unlock()

	log.Info().Str("job", name).Str("cron", spec).Msg("Scheduled job")
	return nil
}

// RemoveJob removes a job from the cron scheduler
func (s *Scheduler) RemoveJob(name string) {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if job, exists := s.jobs[name]; exists {
		s.cron.Remove(job.EntryID)
		delete(s.jobs, name)
		log.Info().Str("job", name).Msg("Removed job")
	}
}

// Jobs lists the registered job names with their next activation
func (s *Scheduler) Jobs() map[string]time.Time {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	next := make(map[string]time.Time, len(s.jobs))
	for name, job := range s.jobs {
		next[name] = s.cron.Entry(job.EntryID).Next
	}
	return next
}

func (s *Scheduler) sweep(ctx context.Context) {
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Recovery sweep failed")
		return
	}
	if report.Dispatched > 0 || report.Rearmed > 0 {
		log.Info().
			Int("dispatched", report.Dispatched).
			Int("rearmed", report.Rearmed).
			Int("skipped", report.Skipped).
			Msg("Recovery sweep complete")
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	n, err := s.prober.Probe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Batch refresh failed")
		return
	}
	log.Debug().Int("batches", n).Msg("Refreshed batches")
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// cronLogger sends the cron library's own messages to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
