package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCSRFTokenRoundTrip(t *testing.T) {
	c := NewCSRF("secret", nil)
	handler := c.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", c.Token("sess-1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCSRFMissingTokenRejected(t *testing.T) {
	c := NewCSRF("secret", nil)
	handler := c.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CSRF_TOKEN")
}

func TestCSRFWrongSessionRejected(t *testing.T) {
	c := NewCSRF("secret", nil)
	handler := c.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-2"})
	req.Header.Set("X-CSRF-Token", c.Token("sess-1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFExpiredTokenRejected(t *testing.T) {
	c := NewCSRF("secret", nil)
	token := c.Token("sess-1")
	c.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	handler := c.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-1"})
	req.Header.Set("X-CSRF-Token", token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFExemptions(t *testing.T) {
	c := NewCSRF("secret", []string{"/webhooks/"})
	handler := c.Wrap(okHandler())

	// API clients with bearer tokens are exempt.
	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "s"})
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Exempt path prefix.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/incoming", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "s"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads are never checked.
	req = httptest.NewRequest(http.MethodGet, "/status/abc", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "s"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No browser session at all: nothing to protect.
	req = httptest.NewRequest(http.MethodPost, "/infer", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersStamped(t *testing.T) {
	handler := SecurityHeaders(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	h := rec.Header()
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
	assert.NotEmpty(t, h.Get("Permissions-Policy"))
	// Plain HTTP request: no HSTS.
	assert.Empty(t, h.Get("Strict-Transport-Security"))
}
