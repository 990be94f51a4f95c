// Package loadbalancer picks between redundant upstream services. Services
// keep their registration order and the first available one is used, so
// the list doubles as a priority order for failover.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dduksanglab/internal/automation/healthcheck"
)

// ErrNoServiceAvailable is returned when every service is marked down.
var ErrNoServiceAvailable = errors.New("loadbalancer: no service available")

// Service is a snapshot of one upstream.
type Service struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Available bool      `json:"available"`
	LastError string    `json:"last_error,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Balancer tracks availability of a fixed list of services.
type Balancer struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	services []*Service
	index    map[string]int
	running  bool
}

// New returns an empty Balancer.
func New(logger *slog.Logger) *Balancer {
	return &Balancer{
		logger: logger.With("component", "loadbalancer"),
		index:  map[string]int{},
	}
}

// Register appends a service. Registering a known name updates its URL.
func (b *Balancer) Register(name, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.index[name]; ok {
		b.services[i].URL = url
		return
	}
	b.index[name] = len(b.services)
	b.services = append(b.services, &Service{Name: name, URL: url, Available: true, ChangedAt: time.Now()})
}

// Start marks the balancer running.
func (b *Balancer) Start() {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
}

// Stop marks the balancer stopped. Select keeps working so in-flight
// callers can drain.
func (b *Balancer) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (b *Balancer) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Select returns the first available service in registration order.
func (b *Balancer) Select() (Service, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.services {
		if s.Available {
			return *s, nil
		}
	}
	return Service{}, ErrNoServiceAvailable
}

// MarkUnavailable takes name out of rotation.
func (b *Balancer) MarkUnavailable(name string, cause error) {
	b.set(name, false, cause)
}

// MarkAvailable puts name back into rotation.
func (b *Balancer) MarkAvailable(name string) {
	b.set(name, true, nil)
}

func (b *Balancer) set(name string, available bool, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[name]
	if !ok {
		return
	}
	s := b.services[i]
	if cause != nil {
		s.LastError = cause.Error()
	} else if available {
		s.LastError = ""
	}
	if s.Available == available {
		return
	}
	s.Available = available
	s.ChangedAt = time.Now()
	if available {
		b.logger.Info("service available", "name", name)
	} else {
		b.logger.Warn("service unavailable", "name", name, "error", cause)
	}
}

// Services returns a copy of every service in registration order.
func (b *Balancer) Services() []Service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Service, len(b.services))
	for i, s := range b.services {
		out[i] = *s
	}
	return out
}

// AvailableCount returns how many services are in rotation.
func (b *Balancer) AvailableCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.services {
		if s.Available {
			n++
		}
	}
	return n
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth failing over for.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ExecuteWithFailover calls fn with the selected service. A non-permanent
// error marks that service unavailable and the next available one is
// tried. A permanent error is returned as is. An error that arrives after
// ctx is done leaves the service untouched, since the caller gave up and
// the upstream is not at fault.
func (b *Balancer) ExecuteWithFailover(ctx context.Context, fn func(ctx context.Context, svc Service) error) error {
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		svc, err := b.Select()
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: last error: %w", ErrNoServiceAvailable, lastErr)
			}
			return err
		}
		err = fn(ctx, svc)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || IsPermanent(err) {
			return err
		}
		lastErr = err
		b.MarkUnavailable(svc.Name, err)
	}
}

// Track keeps b in line with every health result for a service it knows.
// A passing check restores a service that failover marked down, so a
// transient upstream error does not take it out of rotation for good.
func Track(checker *healthcheck.Checker, b *Balancer) {
	checker.OnResult(func(s healthcheck.Status) {
		if s.Healthy {
			b.MarkAvailable(s.Name)
			return
		}
		b.MarkUnavailable(s.Name, errors.New(s.Error))
	})
}
