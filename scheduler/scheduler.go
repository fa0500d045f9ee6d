// Package scheduler runs the periodic background jobs of the worker.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/18F/cf-ca-lifecycle/metrics"
)

var (
	ErrJobRunning = errors.New("job already running")
	ErrStopped    = errors.New("scheduler stopped")
	ErrUnknownJob = errors.New("unknown job")
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func() error
}

type entry struct {
	Job
	running sync.Mutex
}

// Scheduler ticks every job on its own interval. A job never overlaps with
// itself: a tick that finds the previous run still going is skipped.
type Scheduler struct {
	logger lager.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	jobs     map[string]*entry
	stopped  bool
	inFlight sync.WaitGroup
}

func New(logger lager.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.Session("scheduler"),
		cron:   cron.New(),
		jobs:   map[string]*entry{},
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has nothing to run", job.Name)
	}
	if job.Interval < time.Second {
		return fmt.Errorf("job %s interval %s is shorter than one second", job.Name, job.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}

	e := &entry{Job: job}
	s.jobs[job.Name] = e
	s.cron.Schedule(cron.Every(job.Interval), cron.FuncJob(func() {
		s.run(e)
	}))

	s.logger.Info("job-added", lager.Data{"job": job.Name, "interval": job.Interval.String()})
	return nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting")
	s.cron.Start()
}

// RunNow runs a job immediately on the calling goroutine, subject to the same
// overlap guard as scheduled ticks.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(e)
}

// Stop prevents new runs and waits for the ones in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.inFlight.Wait()
	s.logger.Info("stopped")
}

func (s *Scheduler) run(e *entry) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.inFlight.Add(1)
	s.mu.Unlock()
	defer s.inFlight.Done()

	if !e.running.TryLock() {
		metrics.JobSkipped.WithLabelValues(e.Name).Inc()
		s.logger.Info("job-skipped", lager.Data{"job": e.Name})
		return ErrJobRunning
	}
	defer e.running.Unlock()

	lsession := s.logger.Session("run", lager.Data{"job": e.Name, "run-id": uuid.NewString()})
	lsession.Info("start")

	start := time.Now()
	err := e.Run()
	metrics.ObserveJob(e.Name, start, err)

	if err != nil {
		lsession.Error("job-failed", err)
		return err
	}
	lsession.Info("finish", lager.Data{"duration": time.Since(start).String()})
	return nil
}
