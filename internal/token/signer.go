package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultRefreshTolerance is how long after expiry a token may still be
// exchanged on the refresh endpoint.
const DefaultRefreshTolerance = 24 * time.Hour

// ErrInvalid is returned for every verification failure. Malformed, tampered,
// expired and not-yet-issued tokens are deliberately indistinguishable.
var ErrInvalid = errors.New("invalid token")

type Signer struct {
	secret []byte
	now    func() time.Time
}

type SignerOption func(*Signer)

// WithClock replaces the time source used for iat/exp and verification.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(secret string, opts ...SignerOption) *Signer {
	s := &Signer{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign issues an HS256 token for userID that expires ttl from now. Every
// token carries a fresh jti, so two tokens minted in the same second differ.
func (s *Signer) Sign(userID int64, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, nil
}

// Verify checks signature, expiry and issued-at of raw.
func (s *Signer) Verify(raw string) (Claims, error) {
	return s.parse(raw)
}

// VerifyForRefresh is Verify with a grace period: a correctly signed token
// that expired less than tolerance ago is still accepted. A future iat is
// rejected regardless of tolerance.
func (s *Signer) VerifyForRefresh(raw string, tolerance time.Duration) (Claims, error) {
	if tolerance < 0 {
		tolerance = 0
	}

	claims, err := s.parse(raw, jwt.WithLeeway(tolerance))
	if err != nil {
		return Claims{}, err
	}

	if iat, ok := claims.issuedAt(); ok && s.now().Unix() < iat.Unix() {
		return Claims{}, ErrInvalid
	}

	return claims, nil
}

func (s *Signer) parse(raw string, extra ...jwt.ParserOption) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	opts = append(opts, extra...)

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalid
	}

	return claims, nil
}
