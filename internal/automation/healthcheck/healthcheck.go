package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"dduksanglab/internal/metrics"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Status is the last observed state of a target.
type Status struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	Error               string        `json:"error,omitempty"`
	Latency             time.Duration `json:"latency_ns"`
	CheckedAt           time.Time     `json:"checked_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

type target struct {
	name   string
	check  CheckFunc
	status Status
	seen   bool
}

// Config tunes the checker.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Checker polls registered targets on a fixed interval.
type Checker struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
	targets  map[string]*target
	onChange []func(Status)
	onResult []func(Status)

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a stopped Checker.
func New(cfg Config, metrics *metrics.Metrics, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		logger:  logger.With("component", "healthcheck"),
		metrics: metrics,
		cfg:     cfg,
		targets: map[string]*target{},
	}
}

// Register adds or replaces a target.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[name] = &target{name: name, check: check, status: Status{Name: name}}
}

// OnChange registers fn to run whenever a target flips between healthy and
// unhealthy. The first observation of a target counts as a change.
func (c *Checker) OnChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnResult registers fn to run after every check of every target, whether or
// not the health state changed.
func (c *Checker) OnResult(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = append(c.onResult, fn)
}

// Start runs an immediate check and then polls until Stop or ctx ends.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		c.CheckNow(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckNow(ctx)
			}
		}
	}()
	c.logger.Info("health checker started", "interval", c.cfg.Interval, "targets", c.targetCount())
}

// Stop halts polling and waits for the loop to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("health checker stopped")
}

// IsRunning reports whether the polling loop is active.
func (c *Checker) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

// CheckNow probes every target concurrently and returns the fresh snapshot.
func (c *Checker) CheckNow(ctx context.Context) []Status {
	c.mu.RLock()
	targets := make([]*target, 0, len(c.targets))
	for _, t := range c.targets {
		targets = append(targets, t)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			c.probe(ctx, t)
		}(t)
	}
	wg.Wait()
	return c.Snapshot()
}

func (c *Checker) probe(ctx context.Context, t *target) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := t.check(ctx)
	latency := time.Since(start)

	c.mu.Lock()
	prev := t.status
	wasSeen := t.seen
	t.seen = true
	t.status.Healthy = err == nil
	t.status.Latency = latency
	t.status.CheckedAt = start
	t.status.Error = ""
	if err != nil {
		t.status.Error = err.Error()
		t.status.ConsecutiveFailures++
	} else {
		t.status.ConsecutiveFailures = 0
	}
	cur := t.status
	hooks := append([]func(Status){}, c.onChange...)
	results := append([]func(Status){}, c.onResult...)
	c.mu.Unlock()

	if c.metrics != nil {
		up := 0.0
		if cur.Healthy {
			up = 1
		}
		c.metrics.HealthStatus.WithLabelValues(t.name).Set(up)
	}
	for _, fn := range results {
		fn(cur)
	}

	if wasSeen && prev.Healthy == cur.Healthy {
		return
	}
	if cur.Healthy {
		c.logger.Info("health target up", "target", t.name, "latency", latency)
	} else {
		c.logger.Warn("health target down", "target", t.name, "error", err)
	}
	for _, fn := range hooks {
		fn(cur)
	}
}

// Snapshot returns the last status of every target sorted by name.
func (c *Checker) Snapshot() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.targets))
	for _, t := range c.targets {
		out = append(out, t.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every checked target passed its last probe.
func (c *Checker) Healthy() bool {
	for _, s := range c.Snapshot() {
		if !s.Healthy {
			return false
		}
	}
	return true
}

func (c *Checker) targetCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.targets)
}

// HTTPCheck returns a check that GETs url and treats any status below 500
// as healthy.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("unhealthy status %d", resp.StatusCode)
		}
		return nil
	}
}

// PingCheck adapts a Ping(ctx) method, such as a repository or cache.
func PingCheck(p interface{ Ping(context.Context) error }) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("not configured")
		}
		return p.Ping(ctx)
	}
}
