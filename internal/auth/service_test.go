package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wiregate/internal/store"
	"github.com/vovakirdan/wiregate/internal/store/sqlite"
)

func testJWTConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}
}

func newTestAuthService(t *testing.T) *Service {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return NewService(st, testJWTConfig())
}

func TestCreateUser_RejectsInvalidInput(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	cases := []struct {
		acct NewAccount
		want error
	}{
		{NewAccount{Username: "ab", Email: "ab@example.com"}, ErrInvalidUsername},
		{NewAccount{Username: " ab ", Email: "ab@example.com"}, ErrInvalidUsername},
		{NewAccount{Username: "al ice", Email: "a@example.com"}, ErrInvalidUsername},
		{NewAccount{Username: "alice", Email: "not-an-email"}, ErrInvalidEmail},
		{NewAccount{Username: "alice", Email: "a@example.com", Password: "12345"}, ErrInvalidPassword},
	}
	for _, tc := range cases {
		if _, err := svc.CreateUser(ctx, tc.acct); !errors.Is(err, tc.want) {
			t.Errorf("%+v: expected %v, got %v", tc.acct, tc.want, err)
		}
	}
}

func TestCreateUser_TrimsUsernameAndRejectsDuplicates(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, NewAccount{Username: " alice ", Email: "alice@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("expected creation success, got %v", err)
	}
	if user.Username != "alice" || user.PasswordHash == "" || user.PasswordHash == "password123" {
		t.Fatalf("unexpected user: %+v", user)
	}

	// Should collide because the stored username is trimmed.
	_, err = svc.CreateUser(ctx, NewAccount{Username: "alice", Email: "other@example.com"})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestLogin_IssuesTokenWithRole(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, NewAccount{Username: "bob", Email: "bob@example.com", Password: "password123", IsModerator: true}); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	res, err := svc.Login(ctx, "bob", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token == "" || !res.User.IsModerator {
		t.Fatalf("unexpected login result: %+v", res)
	}

	claims, err := svc.ValidateToken(res.Token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.Username != "bob" || !claims.IsModerator || claims.UserID != res.User.ID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, NewAccount{Username: "alice", Email: "alice@example.com", Password: "password123"}); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := svc.CreateUser(ctx, NewAccount{Username: "carol", Email: "carol@example.com"}); err != nil {
		t.Fatalf("create carol: %v", err)
	}

	cases := []struct{ user, password string }{
		{"alice", "wrong-password"},
		{"ghost", "password123"},
		{"carol", ""},
	}
	for _, tc := range cases {
		if _, err := svc.Login(ctx, tc.user, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("login %s: expected ErrInvalidCredentials, got %v", tc.user, err)
		}
	}
}

// inactiveStore reports every user as inactive.
type inactiveStore struct {
	store.UserStore
}

func (s inactiveStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	user, err := s.UserStore.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	user.IsActive = false
	return user, nil
}

func TestLogin_RejectsInactiveUser(t *testing.T) {
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := NewService(st, testJWTConfig()).CreateUser(ctx, NewAccount{Username: "alice", Email: "a@example.com", Password: "password123"}); err != nil {
		t.Fatalf("create alice: %v", err)
	}

	svc := NewService(inactiveStore{st}, testJWTConfig())
	if _, err := svc.Login(ctx, "alice", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
