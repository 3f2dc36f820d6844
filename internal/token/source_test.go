package token

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRequest_Precedence(t *testing.T) {
	t.Parallel()

	newRequest := func(header, query, cookie string) *http.Request {
		target := "/api/thing"
		if query != "" {
			target += "?token=" + query
		}
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if cookie != "" {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
		}
		return r
	}

	tests := []struct {
		name        string
		r           *http.Request
		wantToken   string
		wantCarrier Carrier
	}{
		{"header wins", newRequest("Bearer h.h.h", "q.q.q", "c.c.c"), "h.h.h", CarrierHeader},
		{"query before cookie", newRequest("", "q.q.q", "c.c.c"), "q.q.q", CarrierQuery},
		{"cookie last", newRequest("", "", "c.c.c"), "c.c.c", CarrierCookie},
		{"non bearer header ignored", newRequest("Basic abc", "", "c.c.c"), "c.c.c", CarrierCookie},
		{"split on first space", newRequest("Bearer a b", "", ""), "a b", CarrierHeader},
		{"nothing", newRequest("", "", ""), "", CarrierNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, carrier := FromRequest(tt.r)
			assert.Equal(t, tt.wantToken, raw)
			assert.Equal(t, tt.wantCarrier, carrier)
		})
	}
}

func TestFromHeaderOrCookie_IgnoresQuery(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/auth/verify?token=q.q.q", nil)
	raw, carrier := FromHeaderOrCookie(r)
	assert.Empty(t, raw)
	assert.Equal(t, CarrierNone, carrier)

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "c.c.c"})
	raw, carrier = FromHeaderOrCookie(r)
	assert.Equal(t, "c.c.c", raw)
	assert.Equal(t, CarrierCookie, carrier)
}

func TestIsGuest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsGuest(r))

	r.Header.Set(GuestHeader, "guest")
	assert.True(t, IsGuest(r))

	q := httptest.NewRequest(http.MethodGet, "/math?guest=true", nil)
	assert.True(t, IsGuest(q))

	no := httptest.NewRequest(http.MethodGet, "/math?guest=1", nil)
	assert.False(t, IsGuest(no))
}

func TestHasQueryToken(t *testing.T) {
	t.Parallel()

	assert.True(t, HasQueryToken(httptest.NewRequest(http.MethodGet, "/?token=", nil)))
	assert.False(t, HasQueryToken(httptest.NewRequest(http.MethodGet, "/?guest=true", nil)))
}

func TestHasBearerSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"match", "Bearer s3cret", "s3cret", true},
		{"scheme is case insensitive", "bearer s3cret", "s3cret", true},
		{"wrong secret", "Bearer nope", "s3cret", false},
		{"prefix of secret", "Bearer s3c", "s3cret", false},
		{"basic scheme", "Basic s3cret", "s3cret", false},
		{"missing header", "", "s3cret", false},
		{"empty secret never matches", "Bearer ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, HasBearerSecret(r, tt.secret))
		})
	}
}
