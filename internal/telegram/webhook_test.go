package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dduksanglab/internal/automation/loadbalancer"
	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeForwarder struct {
	ids    []int
	bodies []string
	err    error
}

func (f *fakeForwarder) Forward(_ context.Context, updateID int, body []byte) error {
	f.ids = append(f.ids, updateID)
	f.bodies = append(f.bodies, string(body))
	return f.err
}

func deliver(h http.Handler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/telegram/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newHandler(secret string, fwd UpdateForwarder) *WebhookHandler {
	return NewWebhookHandler(secret, fwd, metrics.Registry("test"), logging.Discard())
}

const messageUpdate = `{"update_id":1001,"message":{"message_id":5,"date":1700000000,"chat":{"id":777,"type":"private"},"text":"/start"}}`

func TestWebhookForwardsRawUpdate(t *testing.T) {
	fwd := &fakeForwarder{}
	rec := deliver(newHandler("s3cret", fwd), "s3cret", messageUpdate)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Equal(t, []int{1001}, fwd.ids)
	assert.Equal(t, messageUpdate, fwd.bodies[0])
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		header string
		body   string
		want   int
	}{
		{name: "missing token", secret: "s3cret", body: messageUpdate, want: http.StatusUnauthorized},
		{name: "wrong token", secret: "s3cret", header: "nope", body: messageUpdate, want: http.StatusUnauthorized},
		{name: "not json", secret: "s3cret", header: "s3cret", body: "{", want: http.StatusBadRequest},
		{name: "unconfigured", header: "anything", body: messageUpdate, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fwd := &fakeForwarder{}
			rec := deliver(newHandler(tc.secret, fwd), tc.header, tc.body)
			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
			assert.Empty(t, fwd.ids)
		})
	}
}

func TestWebhookForwardFailure(t *testing.T) {
	for _, err := range []error{loadbalancer.ErrNoServiceAvailable, errors.New("n8n 500")} {
		rec := deliver(newHandler("s3cret", &fakeForwarder{err: err}), "s3cret", messageUpdate)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
}

func TestWebhookMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/telegram/webhook", nil)
	rec := httptest.NewRecorder()
	newHandler("s3cret", &fakeForwarder{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
