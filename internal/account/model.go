package account

import (
	"errors"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type Subscription string

const (
	SubscriptionBasic   Subscription = "basic"
	SubscriptionPremium Subscription = "premium"
	SubscriptionFull    Subscription = "full"
)

func (s Subscription) Valid() bool {
	switch s {
	case SubscriptionBasic, SubscriptionPremium, SubscriptionFull:
		return true
	default:
		return false
	}
}

type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Subscription Subscription
	// OAuth maps provider name to the provider's subject id.
	OAuth     map[string]string
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword is false for accounts created through an OAuth provider only.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// Public is the account as exposed over HTTP.
type Public struct {
	ID           int64        `json:"id"`
	Username     string       `json:"username"`
	Email        string       `json:"email"`
	Role         Role         `json:"role"`
	Subscription Subscription `json:"subscription"`
}

func (a Account) Public() Public {
	return Public{
		ID:           a.ID,
		Username:     a.Username,
		Email:        a.Email,
		Role:         a.Role,
		Subscription: a.Subscription,
	}
}

var (
	ErrNotFound           = errors.New("account not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
)
