package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
)

func newTestServer(basePath string) *Server {
	echo := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(name + ":" + r.PathValue("job")))
		})
	}
	return New(":0", logging.Discard(), metrics.Registry("test"), Handlers{
		PayAppWebhook:   echo("payapp"),
		TelegramWebhook: echo("telegram"),
		Cron:            echo("cron"),
		AutomationStatus: func(context.Context) any {
			return map[string]bool{"scheduler": true}
		},
		CronSecret: "cron-secret",
	}, basePath)
}

func get(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	h := newTestServer("").Handler()

	rec := get(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, http.StatusMethodNotAllowed, get(h, http.MethodPost, "/healthz", "").Code)

	assert.Equal(t, "payapp:", get(h, http.MethodPost, "/api/payments/payapp/webhook", "").Body.String())
	assert.Equal(t, "telegram:", get(h, http.MethodPost, "/api/telegram/webhook", "").Body.String())
	assert.Equal(t, "cron:refresh-rankings", get(h, http.MethodGet, "/api/cron/refresh-rankings", "").Body.String())
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodGet, "/nope", "").Code)

	rec = get(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAutomationStatusRequiresToken(t *testing.T) {
	h := newTestServer("").Handler()

	assert.Equal(t, http.StatusUnauthorized, get(h, http.MethodGet, "/api/automation/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(h, http.MethodGet, "/api/automation/status", "wrong").Code)

	rec := get(h, http.MethodGet, "/api/automation/status", "cron-secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scheduler":true}`, rec.Body.String())
}

func TestBasePathMount(t *testing.T) {
	h := newTestServer("/backend/").Handler()

	assert.Equal(t, http.StatusOK, get(h, http.MethodGet, "/backend/healthz", "").Code)
	assert.Equal(t, "cron:publish-trends", get(h, http.MethodGet, "/backend/api/cron/publish-trends", "").Body.String())
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodGet, "/backendx/healthz", "").Code)
}

func TestNormaliseBasePath(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"/":     "",
		" api ": "/api",
		"/api/": "/api",
		"/a/b":  "/a/b",
	}
	for in, want := range cases {
		assert.Equal(t, want, normaliseBasePath(in), in)
	}
}
