package cronjobs

import (
	"context"
	"fmt"
	"time"

	"dduksanglab/internal/automation/healthcheck"
	"dduksanglab/internal/automation/orchestrator"
)

const (
	JobExpireReferrals    = "expire-referrals"
	JobFailStalePayments  = "fail-stale-payments"
	JobRefreshRankings    = "refresh-rankings"
	JobPublishTrends      = "publish-trends"
	JobHealthReport       = "health-report"
	JobNightlyMaintenance = "nightly-maintenance"

	MaintenanceWorkflow = "nightly-maintenance"
)

// Store is the repository surface the maintenance jobs touch.
type Store interface {
	DeactivateExpiredReferralCodes(ctx context.Context, now time.Time) (int64, error)
	FailStalePayments(ctx context.Context, before time.Time) (int64, error)
	PublishDueTrends(ctx context.Context, now time.Time) (int64, error)
}

// Rankings recomputes the leaderboard.
type Rankings interface {
	RefreshRankings(ctx context.Context) (int64, error)
}

// Health reports dependency health.
type Health interface {
	CheckNow(ctx context.Context) []healthcheck.Status
}

// Workflows runs orchestrator workflows.
type Workflows interface {
	Run(ctx context.Context, name string) (orchestrator.Run, error)
}

// Deps wires the built-in jobs. Health and Workflows may be nil, in which
// case the jobs depending on them are not registered.
type Deps struct {
	Store      Store
	Rankings   Rankings
	Health     Health
	Workflows  Workflows
	PendingTTL time.Duration
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ExpireReferrals deactivates referral codes past their expiry.
func (d Deps) ExpireReferrals(ctx context.Context) (Result, error) {
	n, err := d.Store.DeactivateExpiredReferralCodes(ctx, d.now())
	if err != nil {
		return nil, fmt.Errorf("expire referrals: %w", err)
	}
	return Result{"deactivated": n}, nil
}

// FailStalePayments fails pending payments older than PendingTTL.
func (d Deps) FailStalePayments(ctx context.Context) (Result, error) {
	ttl := d.PendingTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cutoff := d.now().Add(-ttl)
	n, err := d.Store.FailStalePayments(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fail stale payments: %w", err)
	}
	return Result{"failed": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}, nil
}

// RefreshRankings recomputes user rankings.
func (d Deps) RefreshRankings(ctx context.Context) (Result, error) {
	n, err := d.Rankings.RefreshRankings(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"ranked": n}, nil
}

// PublishTrends publishes scheduled AI trend articles that are due.
func (d Deps) PublishTrends(ctx context.Context) (Result, error) {
	n, err := d.Store.PublishDueTrends(ctx, d.now())
	if err != nil {
		return nil, fmt.Errorf("publish trends: %w", err)
	}
	return Result{"published": n}, nil
}

// HealthReport runs every health check and fails if any target is down.
func (d Deps) HealthReport(ctx context.Context) (Result, error) {
	statuses := d.Health.CheckNow(ctx)
	var down []string
	for _, s := range statuses {
		if !s.Healthy {
			down = append(down, s.Name)
		}
	}
	res := Result{"targets": statuses, "healthy": len(down) == 0}
	if len(down) > 0 {
		return res, fmt.Errorf("unhealthy targets: %v", down)
	}
	return res, nil
}

// NightlyMaintenance runs the maintenance workflow through the orchestrator.
func (d Deps) NightlyMaintenance(ctx context.Context) (Result, error) {
	run, err := d.Workflows.Run(ctx, MaintenanceWorkflow)
	res := Result{"steps": run.Steps, "ok": run.OK}
	if err != nil {
		return res, err
	}
	return res, nil
}

// Builtin returns the standard job set.
func Builtin(d Deps) []Job {
	jobs := []Job{
		{Name: JobExpireReferrals, Description: "Deactivate expired referral codes", Schedule: "@hourly", Timeout: time.Minute, Run: d.ExpireReferrals},
		{Name: JobFailStalePayments, Description: "Fail payments pending past their TTL", Schedule: "30m", Timeout: time.Minute, Run: d.FailStalePayments},
		{Name: JobRefreshRankings, Description: "Recompute user rankings", Schedule: "10m", Timeout: 2 * time.Minute, Run: d.RefreshRankings},
		{Name: JobPublishTrends, Description: "Publish due AI trend articles", Schedule: "5m", Timeout: time.Minute, Run: d.PublishTrends},
	}
	if d.Health != nil {
		// HTTP trigger only.
		jobs = append(jobs, Job{Name: JobHealthReport, Description: "Report dependency health", Timeout: 30 * time.Second, Run: d.HealthReport})
	}
	if d.Workflows != nil {
		jobs = append(jobs, Job{Name: JobNightlyMaintenance, Description: "Run the nightly maintenance workflow", Schedule: "0 3 * * *", Timeout: 10 * time.Minute, Run: d.NightlyMaintenance})
	}
	return jobs
}

// Maintenance returns the nightly workflow. Every step continues on error.
func Maintenance(d Deps) orchestrator.Workflow {
	step := func(name string, fn func(context.Context) (Result, error)) orchestrator.Step {
		return orchestrator.Step{
			Name:            name,
			ContinueOnError: true,
			Run: func(ctx context.Context) (any, error) {
				return fn(ctx)
			},
		}
	}
	return orchestrator.Workflow{
		Name: MaintenanceWorkflow,
		Steps: []orchestrator.Step{
			step(JobExpireReferrals, d.ExpireReferrals),
			step(JobFailStalePayments, d.FailStalePayments),
			step(JobPublishTrends, d.PublishTrends),
			step(JobRefreshRankings, d.RefreshRankings),
		},
	}
}

// NewDefaultRegistry registers Builtin(d).
func NewDefaultRegistry(d Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, job := range Builtin(d) {
		if err := reg.Register(job); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
