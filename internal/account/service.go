package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

type Service struct {
	store Store
	cost  int
}

func NewService(store Store) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.cost = cost
	}
	return s
}

func (s *Service) Store() Store {
	return s.store
}

type Registration struct {
	Username string
	Email    string
	Password string
}

func (s *Service) Register(ctx context.Context, reg Registration) (Account, error) {
	username, err := normalizeUsername(reg.Username)
	if err != nil {
		return Account{}, err
	}
	email, err := normalizeEmail(reg.Email)
	if err != nil {
		return Account{}, err
	}
	hash, err := s.hash(reg.Password)
	if err != nil {
		return Account{}, err
	}

	apiKey, err := randomKey(24)
	if err != nil {
		return Account{}, fmt.Errorf("generate api key: %w", err)
	}

	return s.store.Create(ctx, Account{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		Subscription: SubscriptionBasic,
		APIKey:       apiKey,
	})
}

// Authenticate accepts a username or an email as identifier. OAuth-only
// accounts cannot log in with a password.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	var a Account
	var err error
	if strings.Contains(identifier, "@") {
		a, err = s.store.ByEmail(ctx, identifier)
	} else {
		a, err = s.store.ByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	if !a.HasPassword() {
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	return a, nil
}

type OAuthProfile struct {
	Provider string
	Subject  string
	Email    string
	Username string
}

// LinkOAuth returns the account linked to the provider subject or creates an
// OAuth-only account. An existing account that owns the email is never
// linked implicitly; ErrEmailTaken is returned instead.
func (s *Service) LinkOAuth(ctx context.Context, p OAuthProfile) (Account, error) {
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	p.Subject = strings.TrimSpace(p.Subject)
	if p.Provider == "" || p.Subject == "" {
		return Account{}, fmt.Errorf("%w: provider and subject are required", ErrInvalidInput)
	}

	a, err := s.store.ByOAuth(ctx, p.Provider, p.Subject)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	email, err := normalizeEmail(p.Email)
	if err != nil {
		return Account{}, err
	}

	a, err = s.store.ByEmail(ctx, email)
	switch {
	case err == nil:
		return Account{}, ErrEmailTaken
	case !errors.Is(err, ErrNotFound):
		return Account{}, err
	}

	username, err := s.availableUsername(ctx, p.Username, email)
	if err != nil {
		return Account{}, err
	}

	return s.store.Create(ctx, Account{
		Username:     username,
		Email:        email,
		Role:         RoleUser,
		Subscription: SubscriptionBasic,
		OAuth:        map[string]string{p.Provider: p.Subject},
	})
}

func (s *Service) ChangeUsername(ctx context.Context, id int64, username string) (Account, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return Account{}, err
	}
	return s.mutate(ctx, id, func(a *Account) { a.Username = username })
}

func (s *Service) ChangeEmail(ctx context.Context, id int64, email string) (Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Account{}, err
	}
	return s.mutate(ctx, id, func(a *Account) { a.Email = email })
}

// ChangePassword requires the current password unless the account has none
// yet (OAuth-only accounts setting a first password).
func (s *Service) ChangePassword(ctx context.Context, id int64, current, next string) (Account, error) {
	a, err := s.store.ByID(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if a.HasPassword() {
		if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(current)); err != nil {
			return Account{}, ErrInvalidCredentials
		}
	}

	hash, err := s.hash(next)
	if err != nil {
		return Account{}, err
	}
	a.PasswordHash = hash
	return s.store.Update(ctx, a)
}

func (s *Service) SetSubscription(ctx context.Context, id int64, sub Subscription) (Account, error) {
	if !sub.Valid() {
		return Account{}, fmt.Errorf("%w: unknown subscription %q", ErrInvalidInput, sub)
	}
	return s.mutate(ctx, id, func(a *Account) { a.Subscription = sub })
}

func (s *Service) SetRole(ctx context.Context, id int64, role Role) (Account, error) {
	if !role.Valid() {
		return Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return s.mutate(ctx, id, func(a *Account) { a.Role = role })
}

// DeleteByEmail removes the account owning email on behalf of requester.
// Only the owner or an admin may delete; any other request is reported as
// ErrNotFound so it looks like an unknown address.
func (s *Service) DeleteByEmail(ctx context.Context, requester Account, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if requester.Role != RoleAdmin && !strings.EqualFold(requester.Email, email) {
		return ErrNotFound
	}
	return s.store.DeleteByEmail(ctx, email)
}

// BootstrapAdmin makes sure an admin account with the given credentials
// exists. Empty credentials disable bootstrapping.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	if strings.TrimSpace(email) == "" {
		email = username + "@localhost.localdomain"
	}

	a, err := s.store.ByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		a, err = s.Register(ctx, Registration{Username: username, Email: email, Password: password})
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	a.Role = RoleAdmin
	a.Subscription = SubscriptionFull
	if _, err := s.store.Update(ctx, a); err != nil {
		return fmt.Errorf("promote admin: %w", err)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, id int64, apply func(*Account)) (Account, error) {
	a, err := s.store.ByID(ctx, id)
	if err != nil {
		return Account{}, err
	}
	apply(&a)
	return s.store.Update(ctx, a)
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return "", fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) availableUsername(ctx context.Context, preferred, email string) (string, error) {
	base := strings.TrimSpace(preferred)
	if !usernameRegex.MatchString(base) {
		base, _, _ = strings.Cut(email, "@")
		base = sanitizeUsername(base)
	}

	candidate := base
	for i := 1; i <= 100; i++ {
		_, err := s.store.ByUsername(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
	return "", ErrUsernameTaken
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if !usernameRegex.MatchString(username) {
		return "", fmt.Errorf("%w: username format is invalid", ErrInvalidInput)
	}
	return username, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", fmt.Errorf("%w: email format is invalid", ErrInvalidInput)
	}
	return email, nil
}

func sanitizeUsername(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < 128 && (r == '_' || r == '.' || r == '-' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
			b.WriteRune(r)
		}
		if b.Len() == 28 {
			break
		}
	}
	for b.Len() < 3 {
		b.WriteByte('_')
	}
	return b.String()
}

func randomKey(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
