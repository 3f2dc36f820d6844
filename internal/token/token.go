// Package token decodes, inspects and signs the compact JWTs carried by portal
// requests.
//
// Inspection helpers (Decode, IsExpired, IsExpiringSoon, IsValidShape) never
// verify signatures; they only look at shape and claims plausibility and are
// safe to call on untrusted input. Signature verification lives on Signer.
package token

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshWindow is how long before expiry a token counts as expiring soon.
const DefaultRefreshWindow = 600 * time.Second

var (
	ErrMalformed = errors.New("token must have exactly three segments")
	ErrEncoding  = errors.New("token segment is not valid base64")
	ErrClaims    = errors.New("token segment is not a json object")
)

// Claims is the payload the portal puts into every token. Only id, exp and iat
// are meaningful; other registered claims are tolerated and ignored.
type Claims struct {
	UserID int64 `json:"id"`
	jwt.RegisteredClaims
}

func (c Claims) expiresAt() (time.Time, bool) {
	if c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

func (c Claims) issuedAt() (time.Time, bool) {
	if c.IssuedAt == nil {
		return time.Time{}, false
	}
	return c.IssuedAt.Time, true
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode splits raw into its three segments and parses the payload. It does
// not look at the header or the signature.
func Decode(raw string) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformed
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return Claims{}, ErrEncoding
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrClaims
	}

	return claims, nil
}

// IsExpired reports whether raw is unusable at the current time. Absent,
// malformed and stale tokens all report true.
func IsExpired(raw string) bool {
	return IsExpiredAt(raw, time.Now())
}

func IsExpiredAt(raw string, now time.Time) bool {
	if raw == "" {
		return true
	}

	claims, err := Decode(raw)
	if err != nil {
		return true
	}

	nowSeconds := now.Unix()
	if exp, ok := claims.expiresAt(); ok && nowSeconds >= exp.Unix() {
		return true
	}
	if iat, ok := claims.issuedAt(); ok && nowSeconds < iat.Unix() {
		return true
	}

	return false
}

// IsExpiringSoon reports whether raw expires within window. Unlike IsExpired
// it reports false for tokens that cannot be decoded, so nothing is ever
// scheduled for a token that is not even parseable.
func IsExpiringSoon(raw string, window time.Duration) bool {
	return IsExpiringSoonAt(raw, window, time.Now())
}

func IsExpiringSoonAt(raw string, window time.Duration, now time.Time) bool {
	if raw == "" {
		return false
	}

	claims, err := Decode(raw)
	if err != nil {
		return false
	}

	exp, ok := claims.expiresAt()
	if !ok {
		return false
	}

	return now.UnixMilli() >= exp.UnixMilli()-window.Milliseconds()
}

// IsValidShape reports whether raw has three segments whose header and
// payload both decode to JSON objects. The signature segment is not checked.
func IsValidShape(raw string) bool {
	if raw == "" {
		return false
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}

	return isJSONObjectSegment(parts[0]) && isJSONObjectSegment(parts[1])
}

func isJSONObjectSegment(segment string) bool {
	decoded, err := segmentParser.DecodeSegment(segment)
	if err != nil {
		return false
	}

	var object map[string]any
	if err := json.Unmarshal(decoded, &object); err != nil {
		return false
	}

	return object != nil
}
