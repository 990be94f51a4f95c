package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout matches CURRENT_TIMESTAMP so stored values compare as text.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent webhooks and keeps
	// in-memory databases on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the files from the "sqlite" directory of filesystem.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}
	return ApplySQLMigrations(ctx, r.db, sub)
}

// -- Profiles --

func (r *SQLiteRepository) GetProfile(ctx context.Context, id string) (*Profile, error) {
	const q = `
SELECT id, email, display_name, role, points, created_at, updated_at
FROM profiles
WHERE id = ?
LIMIT 1;
`
	var p Profile
	err := r.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Email, &p.DisplayName, &p.Role, &p.Points, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, sqlErr("get profile", err)
	}
	return &p, nil
}

func (r *SQLiteRepository) AddPoints(ctx context.Context, entry PointEntry) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add points: %w", err)
	}
	defer tx.Rollback()

	const updateQ = `
UPDATE profiles
SET points = points + ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?
RETURNING points;
`
	var balance int64
	if err := tx.QueryRowContext(ctx, updateQ, entry.Delta, entry.UserID).Scan(&balance); err != nil {
		return 0, sqlErr("update profile points", err)
	}

	const insertQ = `
INSERT INTO point_ledger (id, user_id, delta, reason, ref)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, insertQ, randomUUID(), entry.UserID, entry.Delta, entry.Reason, entry.Ref); err != nil {
		return 0, fmt.Errorf("insert point ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add points: %w", err)
	}
	return balance, nil
}

// -- Payments --

func (r *SQLiteRepository) InsertPayment(ctx context.Context, payment Payment) (*Payment, error) {
	meta, err := toJSON(payment.Metadata)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = []byte("{}")
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	const q = `
INSERT INTO payments (id, user_id, course_id, order_id, amount, status, referral_code, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + paymentColumns + `;
`
	row := r.db.QueryRowContext(ctx, q,
		randomUUID(),
		payment.UserID,
		payment.CourseID,
		payment.OrderID,
		payment.Amount,
		string(payment.Status),
		payment.ReferralCode,
		string(meta),
	)
	inserted, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteRepository) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = ? LIMIT 1;`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, orderID))
	if err != nil {
		return nil, sqlErr("get payment by order id", err)
	}
	return p, nil
}

func (r *SQLiteRepository) UpdatePaymentStatus(ctx context.Context, orderID string, expected, next PaymentStatus, gatewayRef string, metadata map[string]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update payment: %w", err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM payments WHERE order_id = ? AND status = ?;`, orderID, string(expected)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update payment %s %s->%s: %w", orderID, expected, next, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("load payment metadata: %w", err)
	}
	merged, err := mergeJSON(current, metadata)
	if err != nil {
		return err
	}

	const q = `
UPDATE payments
SET status = ?,
    gateway_ref = COALESCE(NULLIF(?, ''), gateway_ref),
    metadata = ?,
    paid_at = CASE WHEN ? = 'paid' THEN CURRENT_TIMESTAMP ELSE paid_at END,
    updated_at = CURRENT_TIMESTAMP
WHERE order_id = ? AND status = ?;
`
	res, err := tx.ExecContext(ctx, q, string(next), gatewayRef, string(merged), string(next), orderID, string(expected))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update payment %s %s->%s: %w", orderID, expected, next, ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update payment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) FailStalePayments(ctx context.Context, before time.Time) (int64, error) {
	const q = `
UPDATE payments
SET status = 'failed', updated_at = CURRENT_TIMESTAMP
WHERE status = 'pending' AND created_at < ?;
`
	res, err := r.db.ExecContext(ctx, q, sqliteTime(before))
	if err != nil {
		return 0, fmt.Errorf("fail stale payments: %w", err)
	}
	return res.RowsAffected()
}

// -- Enrollments --

func (r *SQLiteRepository) EnrollCourse(ctx context.Context, userID, courseID, paymentID string) error {
	const q = `
INSERT INTO enrollments (user_id, course_id, payment_id)
VALUES (?, ?, NULLIF(?, ''))
ON CONFLICT (user_id, course_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, userID, courseID, paymentID); err != nil {
		return fmt.Errorf("enroll course: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RevokeEnrollment(ctx context.Context, userID, courseID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM enrollments WHERE user_id = ? AND course_id = ?;`, userID, courseID); err != nil {
		return fmt.Errorf("revoke enrollment: %w", err)
	}
	return nil
}

// IsEnrolled reports whether the user currently has access to the course.
func (r *SQLiteRepository) IsEnrolled(ctx context.Context, userID, courseID string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM enrollments WHERE user_id = ? AND course_id = ?;`, userID, courseID).Scan(&n); err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return n > 0, nil
}

// -- Referral codes --

func (r *SQLiteRepository) GetReferralCode(ctx context.Context, code string) (*ReferralCode, error) {
	const q = `
SELECT code, owner_id, reward_points, max_uses, used_count, expires_at, is_active, created_at
FROM referral_codes
WHERE code = ?
LIMIT 1;
`
	var rc ReferralCode
	err := r.db.QueryRowContext(ctx, q, code).Scan(&rc.Code, &rc.OwnerID, &rc.RewardPoints, &rc.MaxUses, &rc.UsedCount, &rc.ExpiresAt, &rc.IsActive, &rc.CreatedAt)
	if err != nil {
		return nil, sqlErr("get referral code", err)
	}
	return &rc, nil
}

func (r *SQLiteRepository) RedeemReferralCode(ctx context.Context, code string, now time.Time) (bool, error) {
	const q = `
UPDATE referral_codes
SET used_count = used_count + 1
WHERE code = ?
  AND is_active = 1
  AND (expires_at IS NULL OR expires_at > ?)
  AND (max_uses = 0 OR used_count < max_uses);
`
	res, err := r.db.ExecContext(ctx, q, code, sqliteTime(now))
	if err != nil {
		return false, fmt.Errorf("redeem referral code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redeem referral code: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) DeactivateExpiredReferralCodes(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE referral_codes
SET is_active = 0
WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?;
`
	res, err := r.db.ExecContext(ctx, q, sqliteTime(now))
	if err != nil {
		return 0, fmt.Errorf("deactivate expired referral codes: %w", err)
	}
	return res.RowsAffected()
}

// -- Missions --

func (r *SQLiteRepository) GetMission(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	var cadence string
	err := r.db.QueryRowContext(ctx, `SELECT id, title, points, cadence, is_active FROM missions WHERE id = ? LIMIT 1;`, id).
		Scan(&m.ID, &m.Title, &m.Points, &cadence, &m.IsActive)
	if err != nil {
		return nil, sqlErr("get mission", err)
	}
	m.Cadence = MissionCadence(cadence)
	return &m, nil
}

func (r *SQLiteRepository) RecordMissionCompletion(ctx context.Context, userID, missionID, periodKey string) (bool, error) {
	const q = `
INSERT INTO mission_completions (id, user_id, mission_id, period_key)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, mission_id, period_key) DO NOTHING;
`
	res, err := r.db.ExecContext(ctx, q, randomUUID(), userID, missionID, periodKey)
	if err != nil {
		return false, fmt.Errorf("record mission completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record mission completion: %w", err)
	}
	return n == 1, nil
}

// -- Rankings --

func (r *SQLiteRepository) RefreshRankings(ctx context.Context) (int64, error) {
	// "WHERE true" disambiguates INSERT ... SELECT from the upsert clause.
	const q = `
INSERT INTO user_rankings (user_id, rank, points, updated_at)
SELECT id, ROW_NUMBER() OVER (ORDER BY points DESC, created_at ASC, id ASC), points, CURRENT_TIMESTAMP
FROM profiles
WHERE true
ON CONFLICT (user_id) DO UPDATE SET
    rank = excluded.rank,
    points = excluded.points,
    updated_at = excluded.updated_at;
`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("refresh rankings: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) ListRankings(ctx context.Context, limit int) ([]Ranking, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, rank, points, updated_at FROM user_rankings ORDER BY rank ASC LIMIT ?;`, limit)
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

// -- AI trends --

func (r *SQLiteRepository) PublishDueTrends(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE ai_trends
SET status = 'published', published_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= ?;
`
	ts := sqliteTime(now)
	res, err := r.db.ExecContext(ctx, q, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("publish due trends: %w", err)
	}
	return res.RowsAffected()
}

// DB exposes the underlying handle for seeding in tests and tools.
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqlErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func randomUUID() string {
	return uuid.NewString()
}
