package repo

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("repo: conflicting update")
)

// PaymentStatus enumerates the lifecycle states of a payment row.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Profile represents the profiles table row.
type Profile struct {
	ID          string
	Email       string
	DisplayName *string
	Role        string
	Points      int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PointEntry is a single point_ledger movement.
type PointEntry struct {
	UserID string
	Delta  int64
	Reason string
	Ref    string
}

// Payment represents a row in payments table.
type Payment struct {
	ID           string
	UserID       string
	CourseID     string
	OrderID      string
	Amount       int64
	Status       PaymentStatus
	GatewayRef   *string
	ReferralCode *string
	Metadata     map[string]any
	PaidAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReferralCode represents a row in referral_codes table.
// MaxUses of zero means the code may be redeemed without limit.
type ReferralCode struct {
	Code         string
	OwnerID      string
	RewardPoints int64
	MaxUses      int
	UsedCount    int
	ExpiresAt    *time.Time
	IsActive     bool
	CreatedAt    time.Time
}

// MissionCadence controls how often a mission may be completed.
type MissionCadence string

const (
	CadenceOnce   MissionCadence = "once"
	CadenceDaily  MissionCadence = "daily"
	CadenceWeekly MissionCadence = "weekly"
)

// Mission represents a row in missions table.
type Mission struct {
	ID       string
	Title    string
	Points   int64
	Cadence  MissionCadence
	IsActive bool
}

// Ranking represents a row in user_rankings table.
type Ranking struct {
	UserID    string
	Rank      int
	Points    int64
	UpdatedAt time.Time
}
