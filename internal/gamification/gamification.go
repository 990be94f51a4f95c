package gamification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dduksanglab/internal/metrics"
	"dduksanglab/internal/repo"
)

var (
	// ErrReferralInactive is returned for a code its owner deactivated.
	ErrReferralInactive = errors.New("gamification: referral code inactive")
	// ErrReferralExpired is returned once a code is past its expiry.
	ErrReferralExpired = errors.New("gamification: referral code expired")
	// ErrReferralExhausted is returned when a code reached its use limit.
	ErrReferralExhausted = errors.New("gamification: referral code exhausted")
	// ErrSelfReferral is returned when the owner redeems their own code.
	ErrSelfReferral = errors.New("gamification: cannot redeem own referral code")
	// ErrMissionInactive is returned for a disabled mission.
	ErrMissionInactive = errors.New("gamification: mission inactive")
	// ErrMissionAlreadyCompleted is returned when the user already completed
	// the mission in its current period.
	ErrMissionAlreadyCompleted = errors.New("gamification: mission already completed for period")
)

// Point ledger reasons.
const (
	ReasonReferral = "referral"
	ReasonSignup   = "referral_signup"
	ReasonMission  = "mission"

	rankingCacheKey = "rankings:top"
	rankingCacheTTL = 15 * time.Minute
)

// Store is the subset of the repository used by the service.
type Store interface {
	AddPoints(ctx context.Context, entry repo.PointEntry) (int64, error)
	GetReferralCode(ctx context.Context, code string) (*repo.ReferralCode, error)
	RedeemReferralCode(ctx context.Context, code string, now time.Time) (bool, error)
	GetMission(ctx context.Context, id string) (*repo.Mission, error)
	RecordMissionCompletion(ctx context.Context, userID, missionID, periodKey string) (bool, error)
	RefreshRankings(ctx context.Context) (int64, error)
	ListRankings(ctx context.Context, limit int) ([]repo.Ranking, error)
}

// Cache stores the ranking snapshot. *cache.Redis satisfies it.
type Cache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Config tunes the service.
type Config struct {
	// SignupPoints is credited to the user redeeming a referral code.
	SignupPoints int64
	// RankingCacheSize is how many leaderboard rows are cached.
	RankingCacheSize int
	// Location decides day and week boundaries for mission periods.
	Location *time.Location
}

// Service applies referral, mission and ranking rules.
type Service struct {
	store   Store
	cache   Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New constructs a Service. cache may be nil.
func New(store Store, cache Cache, metrics *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.RankingCacheSize <= 0 {
		cfg.RankingCacheSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = SeoulLocation()
	}
	return &Service{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With("component", "gamification"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SeoulLocation returns Asia/Seoul, falling back to a fixed +09:00 zone
// when the tz database is unavailable.
func SeoulLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// ValidateReferral checks whether userID may redeem rc at now.
func ValidateReferral(rc *repo.ReferralCode, userID string, now time.Time) error {
	switch {
	case !rc.IsActive:
		return ErrReferralInactive
	case rc.ExpiresAt != nil && !now.Before(*rc.ExpiresAt):
		return ErrReferralExpired
	case rc.MaxUses > 0 && rc.UsedCount >= rc.MaxUses:
		return ErrReferralExhausted
	case userID != "" && rc.OwnerID == userID:
		return ErrSelfReferral
	}
	return nil
}

// RedeemReferral redeems code on behalf of userID and credits the code
// owner. ref identifies the triggering record in the point ledger. It
// returns the points awarded to the owner.
func (s *Service) RedeemReferral(ctx context.Context, code, userID, ref string) (int64, error) {
	code = strings.TrimSpace(code)
	rc, err := s.store.GetReferralCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("lookup referral %s: %w", code, err)
	}
	now := s.now()
	if err := ValidateReferral(rc, userID, now); err != nil {
		return 0, err
	}

	ok, err := s.store.RedeemReferralCode(ctx, code, now)
	if err != nil {
		return 0, fmt.Errorf("redeem referral %s: %w", code, err)
	}
	if !ok {
		// Lost a race with a concurrent redemption.
		return 0, ErrReferralExhausted
	}

	if rc.RewardPoints > 0 {
		if _, err := s.award(ctx, rc.OwnerID, rc.RewardPoints, ReasonReferral, ref); err != nil {
			return 0, fmt.Errorf("award referral owner: %w", err)
		}
	}
	if s.cfg.SignupPoints > 0 && userID != "" {
		if _, err := s.award(ctx, userID, s.cfg.SignupPoints, ReasonSignup, code); err != nil {
			s.logger.Warn("failed crediting referral signup bonus", "error", err, "user_id", userID, "code", code)
		}
	}

	s.logger.Info("referral redeemed", "code", code, "owner_id", rc.OwnerID, "user_id", userID, "points", rc.RewardPoints)
	return rc.RewardPoints, nil
}

// CompleteMission records the mission for the current period and awards
// its points. It returns the user's new balance.
func (s *Service) CompleteMission(ctx context.Context, userID, missionID string) (int64, error) {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return 0, fmt.Errorf("lookup mission %s: %w", missionID, err)
	}
	if !mission.IsActive {
		return 0, ErrMissionInactive
	}

	key := PeriodKey(mission.Cadence, s.now(), s.cfg.Location)
	inserted, err := s.store.RecordMissionCompletion(ctx, userID, missionID, key)
	if err != nil {
		return 0, fmt.Errorf("record mission %s: %w", missionID, err)
	}
	if !inserted {
		return 0, ErrMissionAlreadyCompleted
	}

	balance, err := s.award(ctx, userID, mission.Points, ReasonMission, missionID+":"+key)
	if err != nil {
		return 0, fmt.Errorf("award mission %s: %w", missionID, err)
	}
	return balance, nil
}

// PeriodKey returns the completion bucket for cadence at t in loc.
func PeriodKey(cadence repo.MissionCadence, t time.Time, loc *time.Location) string {
	local := t.In(loc)
	switch cadence {
	case repo.CadenceDaily:
		return local.Format("2006-01-02")
	case repo.CadenceWeekly:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return "once"
	}
}

// RefreshRankings recomputes the leaderboard and caches its head.
func (s *Service) RefreshRankings(ctx context.Context) (int64, error) {
	n, err := s.store.RefreshRankings(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh rankings: %w", err)
	}
	if s.cache == nil {
		return n, nil
	}
	top, err := s.store.ListRankings(ctx, s.cfg.RankingCacheSize)
	if err != nil {
		return n, fmt.Errorf("list rankings: %w", err)
	}
	if err := s.cache.SetJSON(ctx, rankingCacheKey, top, rankingCacheTTL); err != nil {
		s.logger.Warn("failed caching rankings", "error", err)
	}
	return n, nil
}

// TopRankings returns the first limit leaderboard rows, served from cache
// when the cached snapshot is large enough.
func (s *Service) TopRankings(ctx context.Context, limit int) ([]repo.Ranking, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.cache != nil && limit <= s.cfg.RankingCacheSize {
		var cached []repo.Ranking
		ok, err := s.cache.GetJSON(ctx, rankingCacheKey, &cached)
		if err != nil {
			s.logger.Warn("failed reading ranking cache", "error", err)
		}
		if ok {
			if len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
	}
	rows, err := s.store.ListRankings(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list rankings: %w", err)
	}
	return rows, nil
}

func (s *Service) award(ctx context.Context, userID string, points int64, reason, ref string) (int64, error) {
	balance, err := s.store.AddPoints(ctx, repo.PointEntry{UserID: userID, Delta: points, Reason: reason, Ref: ref})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.PointsAwarded.WithLabelValues(reason).Add(float64(points))
	}
	return balance, nil
}
