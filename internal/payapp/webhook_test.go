package payapp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	events []Event
	err    error
}

func (p *recordingProcessor) HandlePayAppEvent(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return p.err
}

const testSecret = "test-secret"

func signedForm(params url.Values) string {
	params.Set(SignatureField, Sign(params, testSecret))
	return params.Encode()
}

func baseParams() url.Values {
	return url.Values{
		"userid":    {"dduksang"},
		"linkval":   {"link-value"},
		"mul_no":    {"555"},
		"var1":      {"ORD-1"},
		"pay_state": {"4"},
		"price":     {"1000"},
	}
}

func newTestHandler(proc Processor) *WebhookHandler {
	return NewWebhookHandler(logging.Discard(), metrics.Registry("test"), WebhookConfig{
		SecretKey: testSecret,
		SellerID:  "dduksang",
		LinkValue: "link-value",
	}, proc)
}

func postForm(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/payapp/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsSignedCallback(t *testing.T) {
	proc := &recordingProcessor{}
	rec := postForm(newTestHandler(proc), signedForm(baseParams()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", rec.Body.String())
	require.Len(t, proc.events, 1)
	assert.Equal(t, "ORD-1", proc.events[0].OrderID)
	assert.EqualValues(t, 1000, proc.events[0].Price)
}

func TestWebhookAcceptsHeaderSignature(t *testing.T) {
	proc := &recordingProcessor{}
	params := baseParams()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-PayApp-Signature", Sign(params, testSecret))
	rec := httptest.NewRecorder()
	newTestHandler(proc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, proc.events, 1)
}

func TestWebhookRejections(t *testing.T) {
	tampered := baseParams()
	body := signedForm(tampered)
	body = strings.Replace(body, "price=1000", "price=1", 1)

	foreign := baseParams()
	foreign.Set("userid", "someone-else")

	malformed := baseParams()
	malformed.Del("var1")

	cases := []struct {
		name string
		body string
		want int
	}{
		{name: "bad signature", body: body, want: http.StatusUnauthorized},
		{name: "unsigned", body: baseParams().Encode(), want: http.StatusUnauthorized},
		{name: "foreign seller", body: signedForm(foreign), want: http.StatusForbidden},
		{name: "malformed", body: signedForm(malformed), want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &recordingProcessor{}
			rec := postForm(newTestHandler(proc), tc.body)
			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
			assert.Empty(t, proc.events)
		})
	}
}

func TestWebhookMapsProcessorErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("lookup: %w", ErrUnknownOrder), want: http.StatusNotFound},
		{err: ErrAmountMismatch, want: http.StatusBadRequest},
		{err: fmt.Errorf("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := postForm(newTestHandler(&recordingProcessor{err: tc.err}), signedForm(baseParams()))
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestWebhookRequiresConfiguredSecret(t *testing.T) {
	h := NewWebhookHandler(logging.Discard(), metrics.Registry("test"), WebhookConfig{}, &recordingProcessor{})
	rec := postForm(h, signedForm(baseParams()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookMethodAndRateLimit(t *testing.T) {
	h := newTestHandler(&recordingProcessor{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	limited := NewWebhookHandler(logging.Discard(), metrics.Registry("test"), WebhookConfig{
		SecretKey:     testSecret,
		RatePerSecond: 0.5,
	}, &recordingProcessor{})
	first := postForm(limited, signedForm(baseParams()))
	assert.Equal(t, http.StatusOK, first.Code)
	second := postForm(limited, signedForm(baseParams()))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
