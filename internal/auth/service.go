package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/vovakirdan/wiregate/internal/store"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match
	// or the account is inactive.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when the username or email is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidUsername is returned when username doesn't meet constraints.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidEmail is returned for a malformed email address.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidPassword is returned when password doesn't meet constraints.
	ErrInvalidPassword = errors.New("invalid password")
)

// NewAccount is the input to CreateUser. An empty Password creates an
// account that cannot log in but can still be named as a connection hint.
type NewAccount struct {
	Username    string
	Email       string
	Password    string
	IsModerator bool
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User  *store.User
	Token string
}

// Service provides account and token operations.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig) *Service {
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
	}
}

// CreateUser validates and stores a new account.
func (s *Service) CreateUser(ctx context.Context, acct NewAccount) (*store.User, error) {
	username := strings.TrimSpace(acct.Username)
	if len(username) < 3 || len(username) > 32 || strings.ContainsAny(username, " \t\n") {
		return nil, ErrInvalidUsername
	}
	email := strings.TrimSpace(acct.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}

	var hash string
	if acct.Password != "" {
		if len(acct.Password) < 6 {
			return nil, ErrInvalidPassword
		}
		var err error
		if hash, err = HashPassword(acct.Password); err != nil {
			return nil, err
		}
	}

	user, err := s.store.CreateUser(ctx, store.NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsModerator:  acct.IsModerator,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the user with a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	ok, err := CheckPassword(user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Username, user.IsModerator)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &LoginResult{User: user, Token: token}, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
