package cronjobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Job{Name: "good", Run: func(context.Context) (Result, error) {
		return Result{"count": 3}, nil
	}}))
	require.NoError(t, reg.Register(Job{Name: "bad", Run: func(context.Context) (Result, error) {
		return nil, errors.New("db down")
	}}))
	require.NoError(t, reg.Register(Job{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))
	return reg
}

func serve(h http.Handler, method, job, token string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle("/api/cron/{job}", h)
	req := httptest.NewRequest(method, "/api/cron/"+job, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCronHandlerRunsJob(t *testing.T) {
	h := NewHandler("cron-secret", testRegistry(t), metrics.Registry("test"), logging.Discard())

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := serve(h, method, "good", "cron-secret")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "good", body["job"])
		assert.Equal(t, true, body["ok"])
		assert.EqualValues(t, 3, body["result"].(map[string]any)["count"])
		assert.Contains(t, body, "duration_ms")
	}
}

func TestCronHandlerErrors(t *testing.T) {
	h := NewHandler("cron-secret", testRegistry(t), metrics.Registry("test"), logging.Discard())

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "good", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "good", "wrong").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "missing", "cron-secret").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodDelete, "good", "cron-secret").Code)

	rec := serve(h, http.MethodPost, "bad", "cron-secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")

	rec = serve(h, http.MethodPost, "slow", "cron-secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "job timed out")

	unconfigured := NewHandler("", testRegistry(t), metrics.Registry("test"), logging.Discard())
	assert.Equal(t, http.StatusInternalServerError, serve(unconfigured, http.MethodGet, "good", "").Code)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Register(Job{Name: "good", Run: func(context.Context) (Result, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Error(t, reg.Register(Job{Name: "no-run"}))

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)

	names := []string{}
	for _, j := range reg.List() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"bad", "good", "slow"}, names)
}
