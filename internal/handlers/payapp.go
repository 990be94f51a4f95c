package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dduksanglab/internal/gamification"
	"dduksanglab/internal/metrics"
	"dduksanglab/internal/payapp"
	"dduksanglab/internal/repo"
)

const (
	dedupTTL = 24 * time.Hour
	// releaseTimeout bounds freeing a claim after the request is abandoned.
	releaseTimeout = 2 * time.Second
)

// FirstPurchaseMission is the mission completed by a buyer's first paid order.
const FirstPurchaseMission = "first_purchase"

// PaymentStore is the repository surface used when applying callbacks.
type PaymentStore interface {
	GetPaymentByOrderID(ctx context.Context, orderID string) (*repo.Payment, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, expected, next repo.PaymentStatus, gatewayRef string, metadata map[string]any) error
	EnrollCourse(ctx context.Context, userID, courseID, paymentID string) error
	RevokeEnrollment(ctx context.Context, userID, courseID string) error
}

// Deduper claims delivery keys. *cache.Redis satisfies it.
type Deduper interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Rewards grants gamification side effects of a purchase.
type Rewards interface {
	RedeemReferral(ctx context.Context, code, userID, ref string) (int64, error)
	CompleteMission(ctx context.Context, userID, missionID string) (int64, error)
}

// PayAppWebhookProcessor applies verified PayApp callbacks to payments.
type PayAppWebhookProcessor struct {
	store   PaymentStore
	dedup   Deduper
	rewards Rewards
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPayAppWebhookProcessor constructs the processor. dedup and rewards may be nil.
func NewPayAppWebhookProcessor(store PaymentStore, dedup Deduper, rewards Rewards, metrics *metrics.Metrics, logger *slog.Logger) *PayAppWebhookProcessor {
	return &PayAppWebhookProcessor{
		store:   store,
		dedup:   dedup,
		rewards: rewards,
		metrics: metrics,
		logger:  logger.With("component", "payapp_processor"),
	}
}

var allowedTransitions = map[repo.PaymentStatus][]repo.PaymentStatus{
	repo.PaymentPending: {repo.PaymentPaid, repo.PaymentFailed, repo.PaymentCancelled},
	repo.PaymentPaid:    {repo.PaymentRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to repo.PaymentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HandlePayAppEvent implements payapp.Processor.
func (p *PayAppWebhookProcessor) HandlePayAppEvent(ctx context.Context, ev payapp.Event) error {
	next, err := ev.Status()
	if err != nil {
		return err
	}

	key := ev.DedupKey()
	if p.dedup != nil {
		claimed, err := p.dedup.SetNX(ctx, key, dedupTTL)
		switch {
		case err != nil:
			p.logger.Warn("dedup claim failed, processing anyway", "error", err, "key", key)
		case !claimed:
			p.logger.Info("duplicate payapp callback ignored", "mul_no", ev.MulNo, "pay_state", ev.PayState)
			return nil
		}
	}

	if err := p.apply(ctx, ev, next); err != nil {
		// Release the claim so the gateway retry is processed, even when the
		// request context is what failed.
		if p.dedup != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			derr := p.dedup.Delete(rctx, key)
			cancel()
			if derr != nil {
				p.logger.Warn("failed releasing dedup key", "error", derr, "key", key)
			}
		}
		return err
	}
	return nil
}

func (p *PayAppWebhookProcessor) apply(ctx context.Context, ev payapp.Event, next repo.PaymentStatus) error {
	payment, err := p.store.GetPaymentByOrderID(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("order %s: %w", ev.OrderID, payapp.ErrUnknownOrder)
		}
		return fmt.Errorf("load payment %s: %w", ev.OrderID, err)
	}

	if checksAmount(ev) && ev.Price != payment.Amount {
		return fmt.Errorf("order %s price %d, expected %d: %w", ev.OrderID, ev.Price, payment.Amount, payapp.ErrAmountMismatch)
	}

	from := payment.Status
	if from == next {
		p.transition(from, next, "noop")
		// Finishes a delivery whose enrollment failed after the status was stored.
		return p.syncAccess(ctx, payment, next)
	}
	if !CanTransition(from, next) {
		p.transition(from, next, "rejected")
		p.logger.Warn("ignoring payapp callback with disallowed transition",
			"order_id", ev.OrderID, "from", from, "to", next, "pay_state", ev.PayState)
		return nil
	}

	meta := map[string]any{
		"payapp_mul_no":    ev.MulNo,
		"payapp_pay_state": ev.PayState,
	}
	if ev.PayType != "" {
		meta["payapp_pay_type"] = ev.PayType
	}
	if ev.PayDate != "" {
		meta["payapp_pay_date"] = ev.PayDate
	}

	if err := p.store.UpdatePaymentStatus(ctx, ev.OrderID, from, next, ev.MulNo, meta); err != nil {
		p.transition(from, next, "conflict")
		return fmt.Errorf("update payment %s %s->%s: %w", ev.OrderID, from, next, err)
	}
	p.transition(from, next, "applied")
	p.logger.Info("payment status updated", "order_id", ev.OrderID, "from", from, "to", next, "mul_no", ev.MulNo)

	if err := p.syncAccess(ctx, payment, next); err != nil {
		return err
	}
	if next == repo.PaymentPaid {
		p.reward(ctx, payment)
	}
	return nil
}

// syncAccess grants or revokes course access to match status.
func (p *PayAppWebhookProcessor) syncAccess(ctx context.Context, payment *repo.Payment, status repo.PaymentStatus) error {
	switch status {
	case repo.PaymentPaid:
		if err := p.store.EnrollCourse(ctx, payment.UserID, payment.CourseID, payment.ID); err != nil {
			return fmt.Errorf("enroll %s in %s: %w", payment.UserID, payment.CourseID, err)
		}
	case repo.PaymentRefunded:
		if err := p.store.RevokeEnrollment(ctx, payment.UserID, payment.CourseID); err != nil {
			return fmt.Errorf("revoke enrollment for %s: %w", payment.OrderID, err)
		}
	}
	return nil
}

// reward redeems the referral and completes the first purchase mission.
// Failures are logged only.
func (p *PayAppWebhookProcessor) reward(ctx context.Context, payment *repo.Payment) {
	if p.rewards == nil {
		return
	}

	if payment.ReferralCode != nil && *payment.ReferralCode != "" {
		if _, err := p.rewards.RedeemReferral(ctx, *payment.ReferralCode, payment.UserID, payment.OrderID); err != nil {
			p.logger.Warn("referral not redeemed", "error", err, "order_id", payment.OrderID, "code", *payment.ReferralCode)
		}
	}
	if _, err := p.rewards.CompleteMission(ctx, payment.UserID, FirstPurchaseMission); err != nil &&
		!errors.Is(err, gamification.ErrMissionAlreadyCompleted) {
		p.logger.Warn("first purchase mission not completed", "error", err, "user_id", payment.UserID)
	}
}

func (p *PayAppWebhookProcessor) transition(from, to repo.PaymentStatus, result string) {
	if p.metrics != nil {
		p.metrics.PaymentTransitions.WithLabelValues(string(from), string(to), result).Inc()
	}
}

// checksAmount reports whether the callback price must match the order.
// Partial cancellations carry the cancelled portion, and a missing price
// is not compared.
func checksAmount(ev payapp.Event) bool {
	if ev.Price == 0 {
		return false
	}
	return ev.PayState != payapp.StatePartialCancel && ev.PayState != payapp.StatePartialCancel2
}
