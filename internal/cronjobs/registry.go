package cronjobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownJob   = errors.New("cronjobs: unknown job")
	ErrDuplicateJob = errors.New("cronjobs: duplicate job")
)

// Result is the JSON-serialisable summary a job reports.
type Result map[string]any

// Job is a named unit of periodic maintenance, triggered either by the
// in-process scheduler or by an external cron hitting /api/cron/{name}.
type Job struct {
	Name        string
	Description string
	Schedule    string
	Timeout     time.Duration
	Run         func(ctx context.Context) (Result, error)
}

// Registry holds jobs by name.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]Job{}}
}

// Register adds job. Names must be unique.
func (r *Registry) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cronjobs: job needs a name and a run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.jobs[job.Name] = job
	return nil
}

// Get looks up a job by name.
func (r *Registry) Get(name string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job, nil
}

// List returns every job sorted by name.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Scheduler is the subset of the scheduler service used to trigger jobs.
type Scheduler interface {
	Add(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
}

// Schedule registers every job that has a schedule with s.
func (r *Registry) Schedule(s Scheduler) error {
	for _, job := range r.List() {
		if job.Schedule == "" {
			continue
		}
		run := job.Run
		if err := s.Add(job.Name, job.Schedule, job.Timeout, func(ctx context.Context) error {
			_, err := run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
