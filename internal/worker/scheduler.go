package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobSnapshot  = "snapshot"
	JobPurge     = "purge"
	JobReminders = "reminders"
)

type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs cron jobs under a single-instance lease. A tick that
// finds the lease taken is skipped, not queued.
type Scheduler struct {
	cron  *cron.Cron
	lease Lease
	ttl   time.Duration
	log   *zap.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

func NewScheduler(lease Lease, loc *time.Location, ttl time.Duration, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log = log.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		lease: lease,
		ttl:   ttl,
		log:   log,
		ctx:   context.Background(),
		jobs:  map[string]Job{},
	}
}

func (s *Scheduler) Add(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	if _, err := s.cron.AddFunc(j.Spec, func() {
		if err := s.run(s.context(), j); err != nil && !errors.Is(err, ErrLeaseHeld) {
			s.log.Error("job failed", zap.String("job", j.Name), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", j.Name, j.Spec, err)
	}
	s.jobs[j.Name] = j
	return nil
}

// RunNow runs a registered job immediately, still under its lease.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	release, err := s.lease.Acquire(ctx, j.Name, s.ttl)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			s.log.Debug("job skipped, lease held elsewhere", zap.String("job", j.Name))
		}
		return err
	}
	defer release()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", j.Name, err)
	}
	s.log.Info("job finished", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
	return nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.s.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
