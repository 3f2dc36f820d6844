package token

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	CookieName     = "token"
	QueryParam     = "token"
	GuestHeader    = "x-user-type"
	GuestQueryFlag = "guest"
)

// Carrier names where an inbound token was found.
type Carrier int

const (
	CarrierNone Carrier = iota
	CarrierHeader
	CarrierQuery
	CarrierCookie
)

func (c Carrier) String() string {
	switch c {
	case CarrierHeader:
		return "header"
	case CarrierQuery:
		return "query"
	case CarrierCookie:
		return "cookie"
	default:
		return "none"
	}
}

// FromRequest extracts the inbound token. The Authorization header wins, then
// the token query parameter, then the token cookie.
func FromRequest(r *http.Request) (string, Carrier) {
	if raw := fromAuthorization(r); raw != "" {
		return raw, CarrierHeader
	}
	if raw := strings.TrimSpace(r.URL.Query().Get(QueryParam)); raw != "" {
		return raw, CarrierQuery
	}
	if raw := fromCookie(r); raw != "" {
		return raw, CarrierCookie
	}
	return "", CarrierNone
}

// FromHeaderOrCookie is FromRequest without the query fallback.
func FromHeaderOrCookie(r *http.Request) (string, Carrier) {
	if raw := fromAuthorization(r); raw != "" {
		return raw, CarrierHeader
	}
	if raw := fromCookie(r); raw != "" {
		return raw, CarrierCookie
	}
	return "", CarrierNone
}

// HasQueryToken reports whether the URL carries a token parameter at all,
// empty or not.
func HasQueryToken(r *http.Request) bool {
	return r.URL.Query().Has(QueryParam)
}

// IsGuest reports whether the requester declared guest mode. Guest mode never
// grants anything a token would.
func IsGuest(r *http.Request) bool {
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(GuestHeader)), "guest") {
		return true
	}
	return r.URL.Query().Get(GuestQueryFlag) == "true"
}

// HasBearerSecret reports whether the Authorization header presents secret as
// a bearer credential. An empty secret never matches.
func HasBearerSecret(r *http.Request, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(fromAuthorization(r)), []byte(secret)) == 1
}

func fromAuthorization(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}

	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(rest)
}

func fromCookie(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
