package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dduksanglab/internal/automation/loadbalancer"
	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, status int, hits *atomic.Int32, got *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got != nil {
			body, _ := io.ReadAll(r.Body)
			got.Store(string(body) + "|" + r.Header.Get("X-Telegram-Update-Id"))
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newForwarder(b *loadbalancer.Balancer) *Forwarder {
	return NewForwarder(b, time.Second, metrics.Registry("test"), logging.Discard())
}

func TestForwardFailsOverOn5xx(t *testing.T) {
	var primaryHits, backupHits atomic.Int32
	var got atomic.Value
	primary := statusServer(t, http.StatusBadGateway, &primaryHits, nil)
	backup := statusServer(t, http.StatusOK, &backupHits, &got)

	b := loadbalancer.New(logging.Discard())
	b.Register("n8n-1", primary.URL)
	b.Register("n8n-2", backup.URL)

	require.NoError(t, newForwarder(b).Forward(context.Background(), 42, []byte(`{"update_id":42}`)))
	assert.EqualValues(t, 1, primaryHits.Load())
	assert.EqualValues(t, 1, backupHits.Load())
	assert.Equal(t, `{"update_id":42}|42`, got.Load())
	assert.False(t, b.Services()[0].Available)

	// primary stays out of rotation
	require.NoError(t, newForwarder(b).Forward(context.Background(), 43, []byte(`{}`)))
	assert.EqualValues(t, 1, primaryHits.Load())
}

func TestForwardDoesNotFailOverOn4xx(t *testing.T) {
	var primaryHits, backupHits atomic.Int32
	primary := statusServer(t, http.StatusBadRequest, &primaryHits, nil)
	backup := statusServer(t, http.StatusOK, &backupHits, nil)

	b := loadbalancer.New(logging.Discard())
	b.Register("n8n-1", primary.URL)
	b.Register("n8n-2", backup.URL)

	err := newForwarder(b).Forward(context.Background(), 1, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Zero(t, backupHits.Load())
	assert.True(t, b.Services()[0].Available)
}

func TestForwardNetworkErrorThenExhausted(t *testing.T) {
	var hits atomic.Int32
	dead := statusServer(t, http.StatusOK, &hits, nil)
	deadURL := dead.URL
	dead.Close()

	b := loadbalancer.New(logging.Discard())
	b.Register("n8n-1", deadURL)

	err := newForwarder(b).Forward(context.Background(), 1, []byte(`{}`))
	assert.ErrorIs(t, err, loadbalancer.ErrNoServiceAvailable)

	err = newForwarder(b).Forward(context.Background(), 2, []byte(`{}`))
	assert.ErrorIs(t, err, loadbalancer.ErrNoServiceAvailable)
}
