package ecosystem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

// JobInfo describes a scheduled job
type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next,omitempty"`
	Runs     int64         `json:"runs"`
}

type job struct {
	id       cron.EntryID
	interval time.Duration
	fn       func(ctx context.Context)
	runs     int64
}

// Scheduler runs named interval jobs on a cron runner. Jobs receive a
// context that is cancelled by Stop.
type Scheduler struct {
	logger *logx.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
}

// cronLogger adapts logx to the cron logging interface
type cronLogger struct {
	logger *logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *logx.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Every schedules fn under name, replacing any job with the same name
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("job %s: scheduler is stopped", name)
	}

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
	}

	j := &job{interval: interval, fn: fn}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.invoke(name, j) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.id = id
	s.jobs[name] = j
	s.logger.Debug("job scheduled", "job", name, "interval", interval.String())
	return nil
}

func (s *Scheduler) invoke(name string, j *job) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	j.runs++
	s.mu.Unlock()

	start := time.Now()
	j.fn(s.ctx)
	s.logger.LogVerbose("job_finished", map[string]interface{}{
		"job":      name,
		"duration": time.Since(start).String(),
	})
}

// Run executes a job immediately, outside its schedule
func (s *Scheduler) Run(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.invoke(name, j)
	return true
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
}

// Jobs lists the scheduled jobs by name
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{Name: name, Interval: j.interval, Runs: j.runs}
		if s.started && !s.stopped {
			info.Next = s.cron.Entry(j.id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
