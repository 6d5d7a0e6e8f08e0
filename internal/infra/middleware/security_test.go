package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/infra/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reports", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/reports", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestNewRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{})
	assert.Nil(t, l)

	// A nil limiter passes everything through.
	h := l.Handler(okHandler())
	for range 50 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitBlocksAfterBurst(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 6, Burst: 3})
	require.NotNil(t, l)
	h := l.Handler(okHandler())

	var ok, blocked int
	for range 10 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "RATE_LIMITED")
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, blocked)
}

func TestRateLimitSeparatesClients(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 6, Burst: 1})

	ok, _ := l.Allow("192.0.2.1")
	assert.True(t, ok)
	ok, wait := l.Allow("192.0.2.1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	ok, _ = l.Allow("192.0.2.2")
	assert.True(t, ok)
}

func TestRateLimitRefillsAndForgetsStaleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("192.0.2.1")
	require.True(t, ok)
	ok, _ = l.Allow("192.0.2.1")
	require.False(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, _ = l.Allow("192.0.2.1")
	assert.True(t, ok)

	now = now.Add(staleAfter + sweepInterval)
	ok, _ = l.Allow("192.0.2.9")
	assert.True(t, ok)
	assert.Equal(t, 1, l.Tracked())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{name: "no proxies", remote: "192.0.2.1:1234", xff: "8.8.8.8", want: "192.0.2.1"},
		{name: "untrusted peer", remote: "203.0.113.1:1234", xff: "8.8.8.8", trusted: []string{"10.0.0.1"}, want: "203.0.113.1"},
		{name: "trusted peer first hop", remote: "10.0.0.1:1234", xff: "198.51.100.7, 10.0.0.1", trusted: []string{"10.0.0.1"}, want: "198.51.100.7"},
		{name: "trusted peer real ip", remote: "10.0.0.1:1234", xri: "198.51.100.8", trusted: []string{"10.0.0.1"}, want: "198.51.100.8"},
		{name: "trusted peer no headers", remote: "10.0.0.1:1234", trusted: []string{"10.0.0.1"}, want: "10.0.0.1"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trusted))
		})
	}
}
