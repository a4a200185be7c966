// Package scheduler runs the periodic reliability sweeps: retry
// re-enqueue, pull lock reset and expiry, released lock cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts 5 or 6 field expressions and descriptors such as
// "@every 30s".
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RetrySweeper re-enqueues messages whose next attempt is due
type RetrySweeper interface {
	EnqueueDueRetries(ctx context.Context) (int, error)
}

// PullMaintainer keeps pull locks consistent
type PullMaintainer interface {
	ResetWaitingForReceiptPullMessages(ctx context.Context) (int, error)
	BulkExpirePullMessages(ctx context.Context) (int, error)
	DeleteReleasedLocks(ctx context.Context) (int64, error)
}

// Specs holds one cron expression per job. An empty spec disables the job.
type Specs struct {
	RetrySweep  string `yaml:"retrySweep"`
	PullReset   string `yaml:"pullReset"`
	PullExpiry  string `yaml:"pullExpiry"`
	LockCleanup string `yaml:"lockCleanup"`
}

// DefaultSpecs returns the schedule used when none is configured
func DefaultSpecs() Specs {
	return Specs{
		RetrySweep:  "@every 10s",
		PullReset:   "@every 1m",
		PullExpiry:  "@every 1m",
		LockCleanup: "@every 5m",
	}
}

// Validate parses every non-empty spec
func (s Specs) Validate() error {
	for name, spec := range s.byName() {
		if spec == "" {
			continue
		}
		if _, err := specParser.Parse(spec); err != nil {
			return fmt.Errorf("scheduler.%s: %w", name, err)
		}
	}
	return nil
}

func (s Specs) byName() map[string]string {
	return map[string]string{
		"retrySweep":  s.RetrySweep,
		"pullReset":   s.PullReset,
		"pullExpiry":  s.PullExpiry,
		"lockCleanup": s.LockCleanup,
	}
}

// Scheduler wraps a cron runner. A job still running when its next tick
// fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	retry   RetrySweeper
	pull    PullMaintainer
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New registers the jobs of specs. pull may be nil when the node serves
// no pull MPC.
func New(specs Specs, retry RetrySweeper, pull PullMaintainer, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		retry:   retry,
		pull:    pull,
		timeout: 5 * time.Minute,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, j := range s.jobs(specs) {
		if j.spec == "" || j.run == nil {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduling %s %q: %w", j.name, j.spec, err)
		}
		logger.Info("Job scheduled", "job", j.name, "spec", j.spec)
	}
	return s, nil
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int64, error)
}

func (s *Scheduler) jobs(specs Specs) []job {
	jobs := []job{}
	if s.retry != nil {
		jobs = append(jobs, job{"retry_sweep", specs.RetrySweep, func(ctx context.Context) (int64, error) {
			n, err := s.retry.EnqueueDueRetries(ctx)
			return int64(n), err
		}})
	}
	if s.pull != nil {
		jobs = append(jobs,
			job{"pull_reset", specs.PullReset, func(ctx context.Context) (int64, error) {
				n, err := s.pull.ResetWaitingForReceiptPullMessages(ctx)
				return int64(n), err
			}},
			job{"pull_expiry", specs.PullExpiry, func(ctx context.Context) (int64, error) {
				n, err := s.pull.BulkExpirePullMessages(ctx)
				return int64(n), err
			}},
			job{"lock_cleanup", specs.LockCleanup, s.pull.DeleteReleasedLocks},
		)
	}
	return jobs
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) (int64, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		n, err := run(ctx)
		if err != nil {
			s.logger.Error("Job failed", "job", name, "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("Job completed", "job", name, "affected", n, "duration", time.Since(start))
		} else {
			s.logger.Debug("Job completed", "job", name, "duration", time.Since(start))
		}
	}
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and cancels running jobs. The returned context is
// done when they have returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
