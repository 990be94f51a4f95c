package cronjobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"dduksanglab/internal/automation/healthcheck"
	"dduksanglab/internal/automation/orchestrator"
	"dduksanglab/internal/automation/scheduler"
	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"
	"dduksanglab/internal/repo"
	"dduksanglab/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rankingsFunc func(ctx context.Context) (int64, error)

func (f rankingsFunc) RefreshRankings(ctx context.Context) (int64, error) { return f(ctx) }

func newStore(t *testing.T) *repo.SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	s, err := repo.NewSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx, migrations.Files))
	return s
}

func TestBuiltinJobsAgainstSQLite(t *testing.T) {
	store := newStore(t)
	exec := func(q string) {
		_, err := store.DB().Exec(q)
		require.NoError(t, err)
	}
	exec(`INSERT INTO profiles (id, email) VALUES ('u1', 'u1@example.com')`)
	exec(`INSERT INTO referral_codes (code, owner_id, expires_at) VALUES ('OLD', 'u1', '2025-01-01 00:00:00'), ('NEW', 'u1', '2030-01-01 00:00:00')`)
	exec(`INSERT INTO payments (id, user_id, course_id, order_id, amount, created_at) VALUES
		('p1', 'u1', 'c1', 'ORD-OLD', 1000, '2025-05-01 00:00:00'),
		('p2', 'u1', 'c1', 'ORD-NEW', 1000, '2025-05-31 12:00:00')`)
	exec(`INSERT INTO ai_trends (id, slug, title, status, scheduled_at) VALUES
		('t1', 'due', 'Due', 'scheduled', '2025-05-31 00:00:00'),
		('t2', 'later', 'Later', 'scheduled', '2025-12-31 00:00:00')`)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d := Deps{
		Store:      store,
		Rankings:   rankingsFunc(store.RefreshRankings),
		PendingTTL: 24 * time.Hour,
		Now:        func() time.Time { return now },
	}
	ctx := context.Background()

	res, err := d.ExpireReferrals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["deactivated"])

	res, err = d.FailStalePayments(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["failed"])
	assert.Equal(t, "2025-05-31T00:00:00Z", res["cutoff"])

	res, err = d.PublishTrends(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["published"])

	res, err = d.RefreshRankings(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["ranked"])
}

func TestBuiltinRegistration(t *testing.T) {
	d := Deps{Store: newStore(t), Rankings: rankingsFunc(func(context.Context) (int64, error) { return 0, nil })}
	reg, err := NewDefaultRegistry(d)
	require.NoError(t, err)
	assert.Len(t, reg.List(), 4)

	checker := healthcheck.New(healthcheck.Config{}, metrics.Registry("test"), logging.Discard())
	orch := orchestrator.New(logging.Discard(), 0)
	d.Health, d.Workflows = checker, orch
	reg, err = NewDefaultRegistry(d)
	require.NoError(t, err)
	assert.Len(t, reg.List(), 6)

	sched := scheduler.New(scheduler.Config{}, metrics.Registry("test"), logging.Discard())
	require.NoError(t, reg.Schedule(sched))
	snap := sched.Snapshot()
	require.Len(t, snap.Entries, 5, "health-report has no schedule")
}

func TestHealthReport(t *testing.T) {
	checker := healthcheck.New(healthcheck.Config{Timeout: time.Second}, metrics.Registry("test"), logging.Discard())
	checker.Register("db", func(context.Context) error { return nil })
	d := Deps{Health: checker}

	res, err := d.HealthReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, res["healthy"])

	checker.Register("redis", func(context.Context) error { return errors.New("refused") })
	res, err = d.HealthReport(context.Background())
	assert.ErrorContains(t, err, "redis")
	assert.Equal(t, false, res["healthy"])
}

func TestNightlyMaintenanceWorkflow(t *testing.T) {
	orch := orchestrator.New(logging.Discard(), 0)
	rankErr := errors.New("rank failed")
	d := Deps{
		Store:     newStore(t),
		Rankings:  rankingsFunc(func(context.Context) (int64, error) { return 0, rankErr }),
		Workflows: orch,
	}
	require.NoError(t, orch.Register(Maintenance(d)))

	_, err := d.NightlyMaintenance(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrNotRunning)

	orch.Start()
	res, err := d.NightlyMaintenance(context.Background())
	require.Error(t, err)
	assert.Equal(t, false, res["ok"])
	steps := res["steps"].([]orchestrator.StepResult)
	require.Len(t, steps, 4)
	assert.True(t, steps[0].OK)
	assert.False(t, steps[3].OK)
}
