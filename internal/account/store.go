package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the keyed account collection. Implementations return ErrNotFound
// for missing accounts and ErrUsernameTaken / ErrEmailTaken when a write
// would break uniqueness.
type Store interface {
	Create(ctx context.Context, a Account) (Account, error)
	ByID(ctx context.Context, id int64) (Account, error)
	ByUsername(ctx context.Context, username string) (Account, error)
	ByEmail(ctx context.Context, email string) (Account, error)
	ByOAuth(ctx context.Context, provider, subject string) (Account, error)
	Update(ctx context.Context, a Account) (Account, error)
	DeleteByEmail(ctx context.Context, email string) error
	List(ctx context.Context) ([]Account, error)
}

// MemoryStore keeps accounts for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	accounts map[int64]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		accounts: make(map[int64]Account),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnique(a, 0); err != nil {
		return Account{}, err
	}

	now := time.Now().UTC()
	a.ID = s.nextID
	a.CreatedAt = now
	a.UpdatedAt = now
	a.OAuth = cloneOAuth(a.OAuth)
	s.nextID++
	s.accounts[a.ID] = a

	return copyAccount(a), nil
}

func (s *MemoryStore) ByID(ctx context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) ByUsername(ctx context.Context, username string) (Account, error) {
	return s.find(func(a Account) bool { return strings.EqualFold(a.Username, username) })
}

func (s *MemoryStore) ByEmail(ctx context.Context, email string) (Account, error) {
	return s.find(func(a Account) bool { return strings.EqualFold(a.Email, email) })
}

func (s *MemoryStore) ByOAuth(ctx context.Context, provider, subject string) (Account, error) {
	return s.find(func(a Account) bool { return subject != "" && a.OAuth[provider] == subject })
}

func (s *MemoryStore) Update(ctx context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[a.ID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if err := s.checkUnique(a, a.ID); err != nil {
		return Account{}, err
	}

	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	a.OAuth = cloneOAuth(a.OAuth)
	s.accounts[a.ID] = a

	return copyAccount(a), nil
}

func (s *MemoryStore) DeleteByEmail(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			delete(s.accounts, id)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) find(match func(Account) bool) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if match(a) {
			return copyAccount(a), nil
		}
	}
	return Account{}, ErrNotFound
}

// checkUnique must be called with mu held.
func (s *MemoryStore) checkUnique(a Account, self int64) error {
	for id, other := range s.accounts {
		if id == self {
			continue
		}
		if strings.EqualFold(other.Username, a.Username) {
			return ErrUsernameTaken
		}
		if a.Email != "" && strings.EqualFold(other.Email, a.Email) {
			return ErrEmailTaken
		}
	}
	return nil
}

func copyAccount(a Account) Account {
	a.OAuth = cloneOAuth(a.OAuth)
	return a
}

func cloneOAuth(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
