package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dduksanglab/internal/metrics"

	"github.com/robfig/cron/v3"
)

// Job is the unit of scheduled work.
type Job = func(ctx context.Context) error

// Config controls the scheduler.
type Config struct {
	Timezone       string // IANA TZ, e.g. "Asia/Seoul"
	DefaultTimeout time.Duration
}

type entry struct {
	name     string
	schedule Schedule
	timeout  time.Duration
	job      Job
	entryID  cron.EntryID
	running  atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
	runs    int
	skipped int
}

// EntryInfo describes one registered schedule.
type EntryInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Timeout   string    `json:"timeout"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}

// Service triggers named jobs on cron schedules.
type Service struct {
	mu sync.Mutex

	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New constructs a stopped scheduler.
func New(cfg Config, metrics *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			logger.Warn("unknown scheduler timezone, using local", "tz", tz, "error", err)
		}
	}
	return &Service{
		logger:  logger.With("component", "scheduler"),
		metrics: metrics,
		cfg:     cfg,
		loc:     loc,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

// Add registers job under name, replacing any previous schedule of that name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return fmt.Errorf("schedule %s: job required", name)
	}
	parsed, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if _, err := s.parser.Parse(parsed.Spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	e := &entry{name: name, schedule: parsed, timeout: timeout, job: job}
	s.entries[name] = e
	if s.c != nil {
		if err := s.registerLocked(e); err != nil {
			delete(s.entries, name)
			return err
		}
	}
	s.logger.Debug("schedule added", "name", name, "spec", parsed.Spec, "timeout", timeout)
	return nil
}

// Remove unregisters name. It reports whether the schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, name)
	return true
}

// Start begins triggering. Calling Start on a running scheduler is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.logger.Error("failed registering schedule", "name", e.name, "error", err)
		}
	}
	s.c.Start()
	s.logger.Info("scheduler started", "tz", s.loc.String(), "schedules", len(s.entries))
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler is triggering jobs.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Snapshot returns the registered schedules sorted by name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil, Timezone: s.loc.String()}
	for _, e := range s.entries {
		info := EntryInfo{
			Name:    e.name,
			Spec:    e.schedule.Spec,
			Timeout: e.timeout.String(),
			Running: e.running.Load(),
		}
		if s.c != nil {
			ce := s.c.Entry(e.entryID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		e.mu.Lock()
		info.Runs, info.Skipped = e.runs, e.skipped
		info.LastRun, info.LastError = e.lastRun, e.lastErr
		e.mu.Unlock()
		snap.Entries = append(snap.Entries, info)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Name < snap.Entries[j].Name })
	return snap
}

func (s *Service) registerLocked(e *entry) error {
	sched, err := s.parser.Parse(e.schedule.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.name, err)
	}
	ctx := s.baseCtx
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.execute(ctx, e) }))
	return nil
}

// execute runs e unless a previous run is still in flight.
func (s *Service) execute(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		s.observe(e.name, "skipped", 0)
		s.logger.Warn("skipping overlapping run", "name", e.name)
		return
	}
	defer e.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(runCtx, e.job)
	took := time.Since(start)

	e.mu.Lock()
	e.runs++
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.observe(e.name, "error", took)
		s.logger.Error("scheduled job failed", "name", e.name, "error", err, "took", took)
		return
	}
	s.observe(e.name, "ok", took)
	s.logger.Debug("scheduled job finished", "name", e.name, "took", took)
}

func (s *Service) observe(name, status string, took time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.CronRuns.WithLabelValues(name, status).Inc()
	if status != "skipped" {
		s.metrics.CronLatency.WithLabelValues(name).Observe(took.Seconds())
	}
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}
