package credits

import (
	"context"
	"fmt"
	"sync"

	"portraitd/internal/domain"
)

// MemoryStore keeps accounts in process. Each user has their own lock so
// admissions for different users never wait on each other.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	accounts map[string]domain.CreditAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[string]*sync.Mutex),
		accounts: make(map[string]domain.CreditAccount),
	}
}

// Seed overwrites an account, for tests and fixtures.
func (s *MemoryStore) Seed(acct domain.CreditAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = copyAccount(acct)
}

func (s *MemoryStore) Mutate(ctx context.Context, userID string, fn func(domain.CreditAccount) domain.CreditAccount) (domain.CreditAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.CreditAccount{}, err
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	acct, ok := s.accounts[userID]
	s.mu.Unlock()
	if !ok {
		acct = domain.CreditAccount{UserID: userID}
	}

	next := fn(copyAccount(acct))
	next.UserID = userID
	if next.Credits < 0 {
		return copyAccount(acct), fmt.Errorf("credits: balance for %s would become negative", userID)
	}

	s.mu.Lock()
	s.accounts[userID] = copyAccount(next)
	s.mu.Unlock()
	return next, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (domain.CreditAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.CreditAccount{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return domain.CreditAccount{UserID: userID}, nil
	}
	return copyAccount(acct), nil
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func copyAccount(acct domain.CreditAccount) domain.CreditAccount {
	if acct.LastResetAt != nil {
		ts := *acct.LastResetAt
		acct.LastResetAt = &ts
	}
	return acct
}

var _ Store = (*MemoryStore)(nil)
