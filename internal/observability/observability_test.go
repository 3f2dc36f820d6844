package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLogger_JSONShape(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, slog.LevelInfo)

	logger.Debug("hidden", nil)
	logger.With(map[string]any{"component": "auth"}).Info("login_rejected", map[string]any{"ip": "10.0.0.1"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "login_rejected", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "auth", entry["component"])
	assert.Equal(t, "10.0.0.1", entry["ip"])
	assert.Contains(t, entry, "timestamp")
	assert.NotContains(t, entry, "msg")
}

func TestLogger_SlogBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, slog.LevelInfo)

	slog.NewLogLogger(logger.Slog().Handler(), slog.LevelError).Print("http: TLS handshake error")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "http: TLS handshake error", lines[0]["message"])
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestRequestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	metrics := NewMetrics()
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	handler := RequestIDMiddleware(proxies.Middleware(RequestLoggingMiddleware(NewLoggerTo(&buf, slog.LevelInfo), metrics,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))))

	req := httptest.NewRequest(http.MethodPost, "/story/generate", nil)
	req.RemoteAddr = "10.0.0.2:41000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "http_request", lines[0]["message"])
	assert.Equal(t, float64(http.StatusTeapot), lines[0]["status"])
	assert.Equal(t, "/story/generate", lines[0]["path"])
	assert.Equal(t, "203.0.113.9", lines[0]["ip"])
	assert.NotEmpty(t, lines[0]["request_id"])

	assert.Equal(t, 1.0, counterValue(t, metrics, "portal_http_requests_total", map[string]string{"method": "POST", "status": "418"}))
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(NewLoggerTo(&buf, slog.LevelInfo), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profile", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "panic_recovered", lines[0]["message"])
	assert.Equal(t, "boom", lines[0]["panic"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "192.0.2.1", ClientIP(req), "forwarding headers need a resolver")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(req))
}

func TestTrustedProxies_Resolve(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", "", "2001:db8::/32"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"untrusted peer ignores header", "198.51.100.20:5000", []string{"203.0.113.1"}, "198.51.100.20"},
		{"trusted peer without header", "10.1.2.3:5000", nil, "10.1.2.3"},
		{"trusted peer forwards client", "10.1.2.3:5000", []string{"203.0.113.1"}, "203.0.113.1"},
		{"spoofed left-most entry is skipped", "10.1.2.3:5000", []string{"1.1.1.1, 203.0.113.1"}, "203.0.113.1"},
		{"trusted hops are walked past", "192.0.2.10:443", []string{"203.0.113.1, 10.9.9.9"}, "203.0.113.1"},
		{"multiple header lines", "10.1.2.3:5000", []string{"1.1.1.1", "203.0.113.5"}, "203.0.113.5"},
		{"malformed hop stops the walk", "10.1.2.3:5000", []string{"203.0.113.1, not-an-ip"}, "10.1.2.3"},
		{"every hop trusted", "10.1.2.3:5000", []string{"10.0.0.1"}, "10.0.0.1"},
		{"ipv6 proxy", "[2001:db8::1]:443", []string{"203.0.113.8"}, "203.0.113.8"},
		{"bare remote address", "10.1.2.3", []string{"203.0.113.1"}, "203.0.113.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, proxies.Resolve(req))

			var seen string
			proxies.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = ClientIP(r)
			})).ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)

	empty, err := ParseTrustedProxies(nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, "10.0.0.1", empty.Resolve(req))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.AuthDecision("forbidden")
	m.AuthDecision("forbidden")
	m.TokenRefresh("success")
	m.ObserveRequest(http.MethodGet, "200", 5*time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, m, "portal_auth_decisions_total", map[string]string{"outcome": "forbidden"}))
	assert.Equal(t, 1.0, counterValue(t, m, "portal_token_refresh_total", map[string]string{"result": "success"}))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.AuthDecision("allow")
		nilMetrics.TokenRefresh("success")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "portal_auth_decisions_total")
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
