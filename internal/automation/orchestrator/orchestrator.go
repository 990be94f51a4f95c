package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotRunning      = errors.New("orchestrator: not running")
	ErrUnknownWorkflow = errors.New("orchestrator: unknown workflow")
	ErrWorkflowBusy    = errors.New("orchestrator: workflow already running")
)

const defaultHistorySize = 50

// Step is one unit of a workflow.
type Step struct {
	Name string
	Run  func(ctx context.Context) (any, error)
	// ContinueOnError lets later steps run after this one fails.
	ContinueOnError bool
}

// Workflow is an ordered list of steps.
type Workflow struct {
	Name  string
	Steps []Step
}

// StepResult records the outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Run records one workflow execution.
type Run struct {
	Workflow   string       `json:"workflow"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	OK         bool         `json:"ok"`
	Steps      []StepResult `json:"steps"`
}

// Status summarises the orchestrator.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Workflows []string  `json:"workflows"`
	Active    []string  `json:"active"`
	History   []Run     `json:"history"`
}

// Orchestrator executes named workflows step by step.
type Orchestrator struct {
	mu        sync.Mutex
	logger    *slog.Logger
	workflows map[string]Workflow
	active    map[string]bool
	history   []Run
	maxHist   int
	running   bool
	startedAt time.Time
}

// New returns a stopped orchestrator keeping up to historySize runs.
func New(logger *slog.Logger, historySize int) *Orchestrator {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Orchestrator{
		logger:    logger.With("component", "orchestrator"),
		workflows: map[string]Workflow{},
		active:    map[string]bool{},
		maxHist:   historySize,
	}
}

// Register adds or replaces a workflow.
func (o *Orchestrator) Register(wf Workflow) error {
	if wf.Name == "" {
		return errors.New("workflow name required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.Name)
	}
	for i, s := range wf.Steps {
		if s.Run == nil {
			return fmt.Errorf("workflow %s step %d (%s) has no run func", wf.Name, i, s.Name)
		}
	}
	o.mu.Lock()
	o.workflows[wf.Name] = wf
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.startedAt = time.Now()
	o.logger.Info("orchestrator started", "workflows", len(o.workflows))
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.logger.Info("orchestrator stopped", "uptime", time.Since(o.startedAt))
}

func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// StartedAt returns when the orchestrator was last started.
func (o *Orchestrator) StartedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startedAt
}

// Run executes the named workflow. Steps run in order; the first failing
// step without ContinueOnError ends the run. The returned Run is recorded
// in history even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, name string) (Run, error) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return Run{}, ErrNotRunning
	}
	wf, ok := o.workflows[name]
	if !ok {
		o.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if o.active[name] {
		o.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrWorkflowBusy, name)
	}
	o.active[name] = true
	o.mu.Unlock()

	run := Run{Workflow: name, StartedAt: time.Now(), OK: true}
	var firstErr error
	for _, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			firstErr = err
			run.OK = false
			break
		}
		res := runStep(ctx, step)
		run.Steps = append(run.Steps, res)
		if res.OK {
			continue
		}
		run.OK = false
		if firstErr == nil {
			firstErr = fmt.Errorf("step %s: %s", step.Name, res.Error)
		}
		o.logger.Warn("workflow step failed", "workflow", name, "step", step.Name, "error", res.Error)
		if !step.ContinueOnError {
			break
		}
	}
	run.FinishedAt = time.Now()

	o.mu.Lock()
	delete(o.active, name)
	o.history = append(o.history, run)
	if len(o.history) > o.maxHist {
		o.history = o.history[len(o.history)-o.maxHist:]
	}
	o.mu.Unlock()

	o.logger.Info("workflow finished", "workflow", name, "ok", run.OK, "took", run.FinishedAt.Sub(run.StartedAt))
	if firstErr != nil {
		return run, fmt.Errorf("workflow %s: %w", name, firstErr)
	}
	return run, nil
}

func runStep(ctx context.Context, step Step) (res StepResult) {
	res.Name = step.Name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()
	out, err := step.Run(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Output = out
	return res
}

// Status returns a copy of the orchestrator state, newest run first.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Running: o.running, StartedAt: o.startedAt}
	for name := range o.workflows {
		st.Workflows = append(st.Workflows, name)
	}
	for name := range o.active {
		st.Active = append(st.Active, name)
	}
	sort.Strings(st.Workflows)
	sort.Strings(st.Active)
	st.History = make([]Run, 0, len(o.history))
	for i := len(o.history) - 1; i >= 0; i-- {
		st.History = append(st.History, o.history[i])
	}
	return st
}
