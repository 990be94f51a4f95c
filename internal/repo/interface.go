package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Profiles and points
	GetProfile(ctx context.Context, id string) (*Profile, error)
	AddPoints(ctx context.Context, entry PointEntry) (int64, error)

	// Payments
	InsertPayment(ctx context.Context, payment Payment) (*Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, expected, next PaymentStatus, gatewayRef string, metadata map[string]any) error
	FailStalePayments(ctx context.Context, before time.Time) (int64, error)

	// Enrollments
	EnrollCourse(ctx context.Context, userID, courseID, paymentID string) error
	RevokeEnrollment(ctx context.Context, userID, courseID string) error

	// Referral codes
	GetReferralCode(ctx context.Context, code string) (*ReferralCode, error)
	RedeemReferralCode(ctx context.Context, code string, now time.Time) (bool, error)
	DeactivateExpiredReferralCodes(ctx context.Context, now time.Time) (int64, error)

	// Missions
	GetMission(ctx context.Context, id string) (*Mission, error)
	RecordMissionCompletion(ctx context.Context, userID, missionID, periodKey string) (bool, error)

	// Rankings
	RefreshRankings(ctx context.Context) (int64, error)
	ListRankings(ctx context.Context, limit int) ([]Ranking, error)

	// AI trend articles
	PublishDueTrends(ctx context.Context, now time.Time) (int64, error)
}
