package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTokenService(t *testing.T, clock *fakeClock) *TokenService {
	t.Helper()
	svc, err := NewTokenService(TokenConfig{
		SigningKey:      []byte(testSigningKey),
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 10 * 24 * time.Hour,
		Clock:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenService() error: %v", err)
	}
	return svc
}

// memoryUserRepo はUserRepositoryのインメモリ実装。
// AppendSessionはロック内で追加するため、並行追加でも更新は失われない。
type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User

	appendErr error
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*model.User)}
}

func (m *memoryUserRepo) snapshot(u *model.User) *model.User {
	cp := *u
	cp.Sessions = append([]model.Session(nil), u.Sessions...)
	return &cp
}

func (m *memoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return m.snapshot(u), nil
	}
	return nil, nil
}

func (m *memoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return m.snapshot(u), nil
		}
	}
	return nil, nil
}

func (m *memoryUserRepo) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	m.users[user.ID] = m.snapshot(user)
	return nil
}

func (m *memoryUserRepo) AppendSession(_ context.Context, userID string, session model.Session) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Sessions = append(u.Sessions, session)
	return nil
}

func (m *memoryUserRepo) RemoveSession(_ context.Context, userID, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	kept := u.Sessions[:0]
	removed := false
	for _, s := range u.Sessions {
		if s.TokenHash == tokenHash {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	u.Sessions = kept
	return removed, nil
}

func (m *memoryUserRepo) PruneExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryUserRepo) DeleteWithCascade(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return 0, repository.ErrUserNotFound
	}
	delete(m.users, userID)
	return 0, nil
}

var _ repository.UserRepository = (*memoryUserRepo)(nil)

// mockHasher はPasswordHasherのモック。
type mockHasher struct {
	hashFn   func(password string) (string, error)
	verifyFn func(password, hash string) (bool, error)
}

func (m *mockHasher) Hash(password string) (string, error) {
	if m.hashFn != nil {
		return m.hashFn(password)
	}
	return "hashed:" + password, nil
}

func (m *mockHasher) Verify(password, hash string) (bool, error) {
	if m.verifyFn != nil {
		return m.verifyFn(password, hash)
	}
	return hash == "hashed:"+password, nil
}

var _ PasswordHasher = (*mockHasher)(nil)
