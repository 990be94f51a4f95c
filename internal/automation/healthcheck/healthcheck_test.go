package healthcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChecker(interval time.Duration) *Checker {
	return New(Config{Interval: interval, Timeout: 200 * time.Millisecond}, metrics.Registry("test"), logging.Discard())
}

func TestCheckNowTracksFailures(t *testing.T) {
	c := newChecker(time.Hour)
	var fail atomic.Bool
	fail.Store(true)
	c.Register("db", func(context.Context) error { return nil })
	c.Register("n8n", func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	c.CheckNow(context.Background())
	snap := c.CheckNow(context.Background())
	require.Len(t, snap, 2)
	assert.Equal(t, "db", snap[0].Name)
	assert.True(t, snap[0].Healthy)
	assert.False(t, snap[1].Healthy)
	assert.Equal(t, "connection refused", snap[1].Error)
	assert.Equal(t, 2, snap[1].ConsecutiveFailures)
	assert.False(t, c.Healthy())

	fail.Store(false)
	snap = c.CheckNow(context.Background())
	assert.True(t, snap[1].Healthy)
	assert.Zero(t, snap[1].ConsecutiveFailures)
	assert.True(t, c.Healthy())
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	c := newChecker(time.Hour)
	var mu sync.Mutex
	var events []bool
	c.OnChange(func(s Status) {
		mu.Lock()
		events = append(events, s.Healthy)
		mu.Unlock()
	})

	var fail atomic.Bool
	c.Register("ai", func(context.Context) error {
		if fail.Load() {
			return errors.New("503")
		}
		return nil
	})

	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	fail.Store(true)
	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	fail.Store(false)
	c.CheckNow(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, events)
}

func TestOnResultFiresOnEveryCheck(t *testing.T) {
	c := newChecker(time.Hour)
	var mu sync.Mutex
	var events []bool
	c.OnResult(func(s Status) {
		mu.Lock()
		events = append(events, s.Healthy)
		mu.Unlock()
	})

	var fail atomic.Bool
	c.Register("n8n-1", func(context.Context) error {
		if fail.Load() {
			return errors.New("502")
		}
		return nil
	})

	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	fail.Store(true)
	c.CheckNow(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true, false}, events)
}

func TestProbeTimesOut(t *testing.T) {
	c := newChecker(time.Hour)
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	snap := c.CheckNow(context.Background())
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Healthy)
	assert.Contains(t, snap[0].Error, "deadline exceeded")
}

func TestStartStop(t *testing.T) {
	c := newChecker(10 * time.Millisecond)
	var calls atomic.Int32
	c.Register("db", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Start(context.Background())
	c.Start(context.Background())
	assert.True(t, c.IsRunning())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.False(t, c.IsRunning())
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestHTTPCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	check := HTTPCheck(srv.Client(), srv.URL)
	assert.NoError(t, check(context.Background()))

	status.Store(http.StatusNotFound)
	assert.NoError(t, check(context.Background()), "4xx still means the service answers")

	status.Store(http.StatusBadGateway)
	assert.ErrorContains(t, check(context.Background()), "502")
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(pinger{})(context.Background()))
	assert.Error(t, PingCheck(pinger{err: errors.New("down")})(context.Background()))
}
