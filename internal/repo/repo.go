package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to Supabase (Postgres) resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	// Supabase's transaction pooler does not support prepared statements.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, fn)
}

// RunMigrations applies schema migrations on the connected database.
// Files are read from the "postgres" directory of filesystem.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "postgres")
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	return ApplyMigrations(ctx, r.pool, sub)
}

// GetProfile returns a profile by id.
func (r *PostgresRepository) GetProfile(ctx context.Context, id string) (*Profile, error) {
	const q = `
SELECT id, email, display_name, role, points, created_at, updated_at
FROM profiles
WHERE id = $1
LIMIT 1;
`
	var p Profile
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Email, &p.DisplayName, &p.Role, &p.Points, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, pgErr("get profile", err)
	}
	return &p, nil
}

// AddPoints records a ledger entry and moves the profile balance in one transaction.
func (r *PostgresRepository) AddPoints(ctx context.Context, entry PointEntry) (int64, error) {
	var balance int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const updateQ = `
UPDATE profiles
SET points = points + $2, updated_at = NOW()
WHERE id = $1
RETURNING points;
`
		if err := tx.QueryRow(ctx, updateQ, entry.UserID, entry.Delta).Scan(&balance); err != nil {
			return pgErr("update profile points", err)
		}
		const insertQ = `
INSERT INTO point_ledger (user_id, delta, reason, ref)
VALUES ($1, $2, $3, $4);
`
		if _, err := tx.Exec(ctx, insertQ, entry.UserID, entry.Delta, entry.Reason, entry.Ref); err != nil {
			return fmt.Errorf("insert point ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// InsertPayment stores a new pending payment.
func (r *PostgresRepository) InsertPayment(ctx context.Context, payment Payment) (*Payment, error) {
	meta, err := toJSON(payment.Metadata)
	if err != nil {
		return nil, err
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	const q = `
INSERT INTO payments (user_id, course_id, order_id, amount, status, referral_code, metadata)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb))
RETURNING ` + paymentColumns + `;
`
	row := r.pool.QueryRow(ctx, q,
		payment.UserID,
		payment.CourseID,
		payment.OrderID,
		payment.Amount,
		string(payment.Status),
		payment.ReferralCode,
		jsonParam(meta),
	)
	inserted, err := scanPayment(row)
	if err != nil {
		return nil, pgErr("insert payment", err)
	}
	return inserted, nil
}

// GetPaymentByOrderID retrieves a payment by our order reference.
func (r *PostgresRepository) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 LIMIT 1;`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, orderID))
	if err != nil {
		return nil, pgErr("get payment by order id", err)
	}
	return p, nil
}

// UpdatePaymentStatus moves a payment from expected to next. ErrConflict is
// returned when the payment is no longer in the expected state.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, orderID string, expected, next PaymentStatus, gatewayRef string, metadata map[string]any) error {
	meta, err := toJSON(metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE payments
SET status = $3,
    gateway_ref = COALESCE(NULLIF($4, ''), gateway_ref),
    metadata = metadata || COALESCE($5::jsonb, '{}'::jsonb),
    paid_at = CASE WHEN $3 = 'paid' THEN NOW() ELSE paid_at END,
    updated_at = NOW()
WHERE order_id = $1 AND status = $2;
`
	ct, err := r.pool.Exec(ctx, q, orderID, string(expected), string(next), gatewayRef, jsonParam(meta))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update payment %s %s->%s: %w", orderID, expected, next, ErrConflict)
	}
	return nil
}

// FailStalePayments marks pending payments created before the cutoff as failed.
func (r *PostgresRepository) FailStalePayments(ctx context.Context, before time.Time) (int64, error) {
	const q = `
UPDATE payments
SET status = 'failed', updated_at = NOW()
WHERE status = 'pending' AND created_at < $1;
`
	ct, err := r.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("fail stale payments: %w", err)
	}
	return ct.RowsAffected(), nil
}

// EnrollCourse grants course access. Existing enrollments are left untouched.
func (r *PostgresRepository) EnrollCourse(ctx context.Context, userID, courseID, paymentID string) error {
	const q = `
INSERT INTO enrollments (user_id, course_id, payment_id)
VALUES ($1, $2, NULLIF($3, '')::uuid)
ON CONFLICT (user_id, course_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, userID, courseID, paymentID); err != nil {
		return fmt.Errorf("enroll course: %w", err)
	}
	return nil
}

// RevokeEnrollment removes course access.
func (r *PostgresRepository) RevokeEnrollment(ctx context.Context, userID, courseID string) error {
	const q = `DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2;`
	if _, err := r.pool.Exec(ctx, q, userID, courseID); err != nil {
		return fmt.Errorf("revoke enrollment: %w", err)
	}
	return nil
}

// GetReferralCode loads a referral code.
func (r *PostgresRepository) GetReferralCode(ctx context.Context, code string) (*ReferralCode, error) {
	const q = `
SELECT code, owner_id, reward_points, max_uses, used_count, expires_at, is_active, created_at
FROM referral_codes
WHERE code = $1
LIMIT 1;
`
	var rc ReferralCode
	err := r.pool.QueryRow(ctx, q, code).Scan(&rc.Code, &rc.OwnerID, &rc.RewardPoints, &rc.MaxUses, &rc.UsedCount, &rc.ExpiresAt, &rc.IsActive, &rc.CreatedAt)
	if err != nil {
		return nil, pgErr("get referral code", err)
	}
	return &rc, nil
}

// RedeemReferralCode consumes one use of the code if it is active, unexpired
// and below its usage cap. It reports whether a use was consumed.
func (r *PostgresRepository) RedeemReferralCode(ctx context.Context, code string, now time.Time) (bool, error) {
	const q = `
UPDATE referral_codes
SET used_count = used_count + 1
WHERE code = $1
  AND is_active
  AND (expires_at IS NULL OR expires_at > $2)
  AND (max_uses = 0 OR used_count < max_uses);
`
	ct, err := r.pool.Exec(ctx, q, code, now)
	if err != nil {
		return false, fmt.Errorf("redeem referral code: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// DeactivateExpiredReferralCodes switches off codes past their expiry.
func (r *PostgresRepository) DeactivateExpiredReferralCodes(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE referral_codes
SET is_active = FALSE
WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1;
`
	ct, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired referral codes: %w", err)
	}
	return ct.RowsAffected(), nil
}

// GetMission loads a mission definition.
func (r *PostgresRepository) GetMission(ctx context.Context, id string) (*Mission, error) {
	const q = `SELECT id, title, points, cadence, is_active FROM missions WHERE id = $1 LIMIT 1;`
	var m Mission
	var cadence string
	if err := r.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.Title, &m.Points, &cadence, &m.IsActive); err != nil {
		return nil, pgErr("get mission", err)
	}
	m.Cadence = MissionCadence(cadence)
	return &m, nil
}

// RecordMissionCompletion inserts a completion for the period; false means it already existed.
func (r *PostgresRepository) RecordMissionCompletion(ctx context.Context, userID, missionID, periodKey string) (bool, error) {
	const q = `
INSERT INTO mission_completions (user_id, mission_id, period_key)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, mission_id, period_key) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, userID, missionID, periodKey)
	if err != nil {
		return false, fmt.Errorf("record mission completion: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// RefreshRankings recomputes user_rankings from profile points.
func (r *PostgresRepository) RefreshRankings(ctx context.Context) (int64, error) {
	const q = `
INSERT INTO user_rankings (user_id, rank, points, updated_at)
SELECT id, ROW_NUMBER() OVER (ORDER BY points DESC, created_at ASC, id ASC), points, NOW()
FROM profiles
ON CONFLICT (user_id) DO UPDATE SET
    rank = EXCLUDED.rank,
    points = EXCLUDED.points,
    updated_at = EXCLUDED.updated_at;
`
	ct, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("refresh rankings: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ListRankings returns the top rankings ordered by rank.
func (r *PostgresRepository) ListRankings(ctx context.Context, limit int) ([]Ranking, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT user_id, rank, points, updated_at
FROM user_rankings
ORDER BY rank ASC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list rankings: %w", err)
	}
	defer rows.Close()

	var res []Ranking
	for rows.Next() {
		var rk Ranking
		if err := rows.Scan(&rk.UserID, &rk.Rank, &rk.Points, &rk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ranking: %w", err)
		}
		res = append(res, rk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rankings: %w", err)
	}
	return res, nil
}

// PublishDueTrends publishes scheduled articles whose time has come.
func (r *PostgresRepository) PublishDueTrends(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE ai_trends
SET status = 'published', published_at = $1, updated_at = NOW()
WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1;
`
	ct, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("publish due trends: %w", err)
	}
	return ct.RowsAffected(), nil
}

const paymentColumns = `id, user_id, course_id, order_id, amount, status, gateway_ref, referral_code, metadata, paid_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var status string
	var metaJSON []byte
	if err := row.Scan(&p.ID, &p.UserID, &p.CourseID, &p.OrderID, &p.Amount, &status, &p.GatewayRef, &p.ReferralCode, &metaJSON, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.Metadata = fromJSON(metaJSON)
	return &p, nil
}

func pgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
