package payapp

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dduksanglab/internal/repo"
)

var (
	// ErrInvalidEvent is returned when required callback fields are missing or malformed.
	ErrInvalidEvent = errors.New("payapp: invalid event")
	// ErrUnknownPayState is returned for pay_state codes with no payment status mapping.
	ErrUnknownPayState = errors.New("payapp: unknown pay_state")
)

// PayApp pay_state codes.
const (
	StateRequested       = 1
	StatePaid            = 4
	StateRequestCanceled = 8
	StateApprovalCancel  = 9
	StateWaiting         = 10
	StateRequestCancel2  = 32
	StateApprovalCancel2 = 64
	StatePartialCancel   = 70
	StatePartialCancel2  = 71
)

// Event is a parsed PayApp feedback callback.
type Event struct {
	MulNo      string // gateway payment number
	OrderID    string // var1, our order reference
	PayState   int
	Price      int64
	PayType    string
	PayDate    string
	SellerID   string // userid
	LinkValue  string // linkval
	Params     url.Values
	ReceivedAt time.Time
}

// ParseEvent extracts an Event from callback parameters.
func ParseEvent(params url.Values) (Event, error) {
	ev := Event{
		MulNo:      strings.TrimSpace(params.Get("mul_no")),
		OrderID:    strings.TrimSpace(params.Get("var1")),
		PayType:    params.Get("pay_type"),
		PayDate:    params.Get("pay_date"),
		SellerID:   strings.TrimSpace(params.Get("userid")),
		LinkValue:  params.Get("linkval"),
		Params:     params,
		ReceivedAt: time.Now(),
	}
	if ev.MulNo == "" {
		return Event{}, fmt.Errorf("%w: mul_no missing", ErrInvalidEvent)
	}
	if ev.OrderID == "" {
		return Event{}, fmt.Errorf("%w: var1 missing", ErrInvalidEvent)
	}

	state, err := strconv.Atoi(strings.TrimSpace(params.Get("pay_state")))
	if err != nil {
		return Event{}, fmt.Errorf("%w: pay_state %q", ErrInvalidEvent, params.Get("pay_state"))
	}
	ev.PayState = state

	if raw := strings.TrimSpace(params.Get("price")); raw != "" {
		price, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: price %q", ErrInvalidEvent, raw)
		}
		ev.Price = price
	}
	return ev, nil
}

// Status maps the PayApp pay_state onto the payment lifecycle.
func (e Event) Status() (repo.PaymentStatus, error) {
	return StatusForPayState(e.PayState)
}

// StatusForPayState maps a pay_state code onto a payment status.
func StatusForPayState(state int) (repo.PaymentStatus, error) {
	switch state {
	case StateRequested, StateWaiting:
		return repo.PaymentPending, nil
	case StatePaid:
		return repo.PaymentPaid, nil
	case StateRequestCanceled, StateRequestCancel2:
		return repo.PaymentCancelled, nil
	case StateApprovalCancel, StateApprovalCancel2, StatePartialCancel, StatePartialCancel2:
		return repo.PaymentRefunded, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownPayState, state)
	}
}

// DedupKey identifies a delivery for idempotency checks.
func (e Event) DedupKey() string {
	return fmt.Sprintf("payapp:event:%s:%d", e.MulNo, e.PayState)
}
